package grist

import "fmt"

// Org is an organization visible to the API key.
type Org struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Doc is a document as returned inside a workspace listing.
type Doc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Workspace groups documents within an organization.
type Workspace struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Access    string `json:"access"`
	OrgDomain string `json:"orgDomain"`
	Docs      []Doc  `json:"docs"`
}

// DocSummary is a document flattened together with its workspace metadata,
// the shape served by ListDocs.
type DocSummary struct {
	WorkspaceID     int64  `json:"workspace_id"`
	WorkspaceName   string `json:"workspace_name"`
	WorkspaceAccess string `json:"workspace_access"`
	OrgDomain       string `json:"org_domain"`
	DocID           string `json:"doc_id"`
	DocName         string `json:"doc_name"`
	DocCreatedAt    string `json:"doc_created_at"`
	DocUpdatedAt    string `json:"doc_updated_at"`
}

// Table is a table within a document.
type Table struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ColumnFields carries the column attributes this module consumes; the API
// returns more, which are ignored.
type ColumnFields struct {
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Column describes one column of a table.
type Column struct {
	ID     string       `json:"id"`
	Fields ColumnFields `json:"fields"`
}

// Row is a flattened record: field values keyed by column id, plus the row
// id under "id".
type Row map[string]any

type tablesEnvelope struct {
	Tables []Table `json:"tables"`
}

type columnsEnvelope struct {
	Columns []Column `json:"columns"`
}

type record struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

type recordsEnvelope struct {
	Records []record `json:"records"`
}

// APIError is a non-2xx response from the remote service after retries are
// exhausted. It is never cached.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grist: GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}
