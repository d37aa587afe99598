// Package vtab exposes the Grist API as queryable virtual relations behind
// a grist:// URI grammar. It is read-only: discovery listings get synthetic
// two-column schemas, table rows get a schema discovered from the remote
// column metadata.
package vtab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gristql/gristql/cache"
	"github.com/gristql/gristql/grist"
	"github.com/gristql/gristql/internal/config"
)

// SortKey is one element of a requested ordering.
type SortKey struct {
	Column     string
	Descending bool
}

// Adapter serves one virtual relation. Equality filters, sort order and
// limit are pushed down to the /records endpoint; the remote applies them.
type Adapter struct {
	target   Target
	orgID    int64
	client   *grist.Client
	log      zerolog.Logger
	columns  map[string]FieldKind
	resolved string // canonical table id once resolved
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger attaches a logger to the adapter and its client.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New parses uri, folds its query-string overrides into settings and
// constructs the adapter with its own client and cache store.
func New(uri string, settings config.Settings, opts ...Option) (*Adapter, error) {
	target, qs, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if err := settings.Apply(qs); err != nil {
		return nil, err
	}
	cfg, err := settings.ClientConfig()
	if err != nil {
		return nil, err
	}

	a := &Adapter{target: target, orgID: settings.OrgID, log: zerolog.Nop()}
	for _, o := range opts {
		o(a)
	}

	client, err := grist.New(cfg, grist.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// Target returns the parsed relation this adapter serves.
func (a *Adapter) Target() Target { return a.target }

// Close releases the client and its cache store.
func (a *Adapter) Close() error { return a.client.Close() }

// ClearCache drops all cached responses.
func (a *Adapter) ClearCache() error { return a.client.ClearCache() }

// CacheStats reports the underlying store's counters; ok is false when
// caching is disabled.
func (a *Adapter) CacheStats() (cache.Stats, bool) { return a.client.CacheStats() }

// Columns returns the relation's schema as column name -> kind. Listing
// resources use fixed synthetic schemas; table rows are discovered once per
// adapter from the remote column metadata.
func (a *Adapter) Columns(ctx context.Context) (map[string]FieldKind, error) {
	switch a.target.Resource {
	case ResourceOrgs, ResourceWorkspaces, ResourceTables:
		return map[string]FieldKind{"id": FieldText, "name": FieldText}, nil
	case ResourceDocs:
		return map[string]FieldKind{"id": FieldText, "name": FieldText}, nil
	case ResourceColumns:
		return map[string]FieldKind{"name": FieldText, "type": FieldText}, nil
	}

	if a.columns != nil {
		return a.columns, nil
	}
	tableID, err := a.resolveTable(ctx)
	if err != nil {
		return nil, err
	}
	columns, err := a.client.ListColumns(ctx, a.target.Doc, tableID)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("vtab: table has no columns: doc=%q table=%q", a.target.Doc, tableID)
	}
	kinds := make(map[string]FieldKind, len(columns)+1)
	for _, col := range columns {
		kinds[col.ID] = KindOf(col.Fields.Type)
	}
	kinds["id"] = FieldInteger
	a.columns = kinds
	return kinds, nil
}

// Rows serves the relation. For table rows, filters maps column -> allowed
// values (equality/IN semantics), order becomes a multi-column sort string
// and limit <= 0 means all rows.
func (a *Adapter) Rows(ctx context.Context, filters map[string][]any, order []SortKey, limit int) ([]grist.Row, error) {
	switch a.target.Resource {
	case ResourceOrgs:
		orgs, err := a.client.ListOrgs(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]grist.Row, 0, len(orgs))
		for _, org := range orgs {
			rows = append(rows, grist.Row{"id": org.ID, "name": org.Name})
		}
		return rows, nil

	case ResourceWorkspaces:
		workspaces, err := a.client.ListWorkspaces(ctx, a.orgID)
		if err != nil {
			return nil, err
		}
		rows := make([]grist.Row, 0, len(workspaces))
		for _, ws := range workspaces {
			rows = append(rows, grist.Row{"id": ws.ID, "name": ws.Name})
		}
		return rows, nil

	case ResourceDocs:
		if a.orgID == 0 {
			return nil, fmt.Errorf("vtab: org_id is required to list docs")
		}
		docs, err := a.client.ListDocs(ctx, a.orgID, nil)
		if err != nil {
			return nil, err
		}
		rows := make([]grist.Row, 0, len(docs))
		for _, d := range docs {
			rows = append(rows, grist.Row{"id": d.DocID, "name": d.DocName})
		}
		return rows, nil

	case ResourceTables:
		tables, err := a.client.ListTables(ctx, a.target.Doc)
		if err != nil {
			return nil, err
		}
		rows := make([]grist.Row, 0, len(tables))
		for _, t := range tables {
			rows = append(rows, grist.Row{"id": t.ID, "name": tableName(t)})
		}
		return rows, nil

	case ResourceColumns:
		tableID, err := a.resolveTable(ctx)
		if err != nil {
			return nil, err
		}
		columns, err := a.client.ListColumns(ctx, a.target.Doc, tableID)
		if err != nil {
			return nil, err
		}
		rows := make([]grist.Row, 0, len(columns))
		for _, col := range columns {
			rows = append(rows, grist.Row{"name": col.Fields.Label, "type": col.Fields.Type})
		}
		return rows, nil
	}

	return a.tableRows(ctx, filters, order, limit)
}

func (a *Adapter) tableRows(ctx context.Context, filters map[string][]any, order []SortKey, limit int) ([]grist.Row, error) {
	tableID, err := a.resolveTable(ctx)
	if err != nil {
		return nil, err
	}
	kinds, err := a.Columns(ctx)
	if err != nil {
		return nil, err
	}

	params := grist.RecordParams{
		Filter: filters,
		Sort:   sortString(order),
		Limit:  limit,
	}
	rows, err := a.client.FetchRecords(ctx, a.target.Doc, tableID, params)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for col, v := range row {
			row[col] = kinds[col].Decode(v)
		}
	}
	return rows, nil
}

// resolveTable maps a table reference (id or display name) onto the
// canonical table id, scanning the doc's tables once per adapter.
func (a *Adapter) resolveTable(ctx context.Context) (string, error) {
	if a.resolved != "" {
		return a.resolved, nil
	}
	if a.target.Doc == "" || a.target.Table == "" {
		return "", fmt.Errorf("vtab: table resolution requested without doc/table in URI")
	}
	tables, err := a.client.ListTables(ctx, a.target.Doc)
	if err != nil {
		return "", err
	}
	for _, t := range tables {
		if a.target.Table == t.ID || a.target.Table == tableName(t) {
			a.resolved = t.ID
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("vtab: table not found in doc %q: %q", a.target.Doc, a.target.Table)
}

func tableName(t grist.Table) string {
	if name, ok := t.Fields["name"].(string); ok {
		return name
	}
	return t.ID
}

// sortString renders a requested ordering as the /records sort parameter:
// ascending columns bare, descending prefixed with "-", comma separated.
func sortString(order []SortKey) string {
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, len(order))
	for i, key := range order {
		if key.Descending {
			parts[i] = "-" + key.Column
		} else {
			parts[i] = key.Column
		}
	}
	return strings.Join(parts, ",")
}

// MarshalRow renders a decoded row as JSON for display surfaces.
func MarshalRow(row grist.Row) (string, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseSort parses a "col,-col2" style string into sort keys, the inverse
// of sortString, for callers that take sort specs as text.
func ParseSort(spec string) []SortKey {
	if spec == "" {
		return nil
	}
	var keys []SortKey
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if desc := strings.TrimPrefix(part, "-"); desc != part {
			keys = append(keys, SortKey{Column: desc, Descending: true})
		} else {
			keys = append(keys, SortKey{Column: part})
		}
	}
	return keys
}

// ParseFilter decodes a JSON filter object (column -> list of allowed
// values) as accepted on CLI and query surfaces.
func ParseFilter(spec string) (map[string][]any, error) {
	if spec == "" {
		return nil, nil
	}
	var out map[string][]any
	if err := json.Unmarshal([]byte(spec), &out); err != nil {
		return nil, fmt.Errorf("vtab: bad filter %q: %w", spec, err)
	}
	return out, nil
}
