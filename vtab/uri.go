package vtab

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URI scheme the adapter answers to.
const Scheme = "grist"

// Special path segments selecting synthetic listings.
const (
	specialOrgs       = "__orgs__"
	specialWorkspaces = "__workspaces__"
	specialDocs       = "__docs__"
	specialColumns    = "__columns__"
)

// Resource is the kind of virtual relation a URI addresses.
type Resource int

const (
	ResourceDocs Resource = iota
	ResourceOrgs
	ResourceWorkspaces
	ResourceTables
	ResourceColumns
	ResourceRows
)

func (r Resource) String() string {
	switch r {
	case ResourceDocs:
		return "docs"
	case ResourceOrgs:
		return "orgs"
	case ResourceWorkspaces:
		return "workspaces"
	case ResourceTables:
		return "tables"
	case ResourceColumns:
		return "columns"
	case ResourceRows:
		return "rows"
	}
	return "unknown"
}

// Target is a parsed grist:// URI.
type Target struct {
	Resource Resource
	Doc      string
	// Table may be a table id or a display name; the adapter resolves it.
	Table string
}

// Supports is a purely syntactic check on the scheme; it never touches the
// network.
func Supports(uri string) bool {
	return strings.HasPrefix(uri, Scheme+"://")
}

// ParseURI maps a grist:// URI onto a Target plus its query-string
// overrides:
//
//	grist://                          docs listing
//	grist://__orgs__                  orgs listing
//	grist://__workspaces__            workspaces listing
//	grist://<doc>                     tables listing
//	grist://<doc>/<table>             table rows
//	grist://<doc>/<table>/__columns__ columns listing
func ParseURI(uri string) (Target, url.Values, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Target{}, nil, fmt.Errorf("vtab: bad URI %q: %w", uri, err)
	}
	if parsed.Scheme != Scheme {
		return Target{}, nil, fmt.Errorf("vtab: unsupported scheme %q", parsed.Scheme)
	}
	qs := parsed.Query()

	var segments []string
	if p := strings.Trim(parsed.Path, "/"); p != "" {
		segments = strings.Split(p, "/")
	}

	switch parsed.Host {
	case "", specialDocs:
		return Target{Resource: ResourceDocs}, qs, nil
	case specialOrgs:
		return Target{Resource: ResourceOrgs}, qs, nil
	case specialWorkspaces:
		return Target{Resource: ResourceWorkspaces}, qs, nil
	}

	doc := parsed.Host
	switch len(segments) {
	case 0:
		return Target{Resource: ResourceTables, Doc: doc}, qs, nil
	case 1:
		return Target{Resource: ResourceRows, Doc: doc, Table: segments[0]}, qs, nil
	case 2:
		if segments[1] == specialColumns {
			return Target{Resource: ResourceColumns, Doc: doc, Table: segments[0]}, qs, nil
		}
	}
	return Target{}, nil, fmt.Errorf("vtab: cannot parse URI %q", uri)
}
