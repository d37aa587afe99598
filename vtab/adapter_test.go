package vtab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gristql/gristql/internal/config"
)

func testSettings(server string) config.Settings {
	return config.Settings{
		Server: server,
		APIKey: "test-key",
		OrgID:  1,
		Cache: config.CacheSettings{
			Enabled:     true,
			MetadataTTL: time.Minute,
			MaxSize:     64,
			Backend:     "memory",
		},
	}
}

// fakeGrist serves one document "D1" with a table whose display name differs
// from its id.
func fakeGrist(t *testing.T, records string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orgs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"name":"Acme","domain":"acme"}]`))
	})
	mux.HandleFunc("/api/orgs/1/workspaces", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":10,"name":"Home","access":"owners","orgDomain":"acme",
			"docs":[{"id":"D1","name":"Budget","createdAt":"","updatedAt":""}]}]`))
	})
	mux.HandleFunc("/api/docs/D1/tables", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tables":[
			{"id":"Tbl1","fields":{"name":"Expenses"}},
			{"id":"Tbl2","fields":{}}
		]}`))
	})
	mux.HandleFunc("/api/docs/D1/tables/Tbl1/columns", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"columns":[
			{"id":"item","fields":{"label":"Item","type":"Text"}},
			{"id":"amount","fields":{"label":"Amount","type":"Numeric"}},
			{"id":"when","fields":{"label":"When","type":"Date"}},
			{"id":"tags","fields":{"label":"Tags","type":"RefList:Tags"}}
		]}`))
	})
	mux.HandleFunc("/api/docs/D1/tables/Tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(records))
	})
	return httptest.NewServer(mux)
}

func TestAdapterTableRows(t *testing.T) {
	srv := fakeGrist(t, `{"records":[
		{"id":1,"fields":{"item":"coffee","amount":3.5,"when":1609459200,"tags":["L","food","drink"]}}
	]}`)
	defer srv.Close()

	a, err := New("grist://D1/Expenses", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	rows, err := a.Rows(ctx, map[string][]any{"item": {"coffee"}}, []SortKey{{Column: "amount", Descending: true}}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, "coffee", row["item"])
	assert.Equal(t, 3.5, row["amount"])
	assert.Equal(t, "food,drink", row["tags"], "list marker dropped, elements joined")
	when, ok := row["when"].(time.Time)
	require.True(t, ok, "date column decodes to time.Time, got %T", row["when"])
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), when)
}

func TestAdapterPushesDownQuery(t *testing.T) {
	var gotQuery map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/docs/D1/tables", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tables":[{"id":"Tbl1","fields":{"name":"Expenses"}}]}`))
	})
	mux.HandleFunc("/api/docs/D1/tables/Tbl1/columns", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"columns":[{"id":"item","fields":{"label":"Item","type":"Text"}}]}`))
	})
	mux.HandleFunc("/api/docs/D1/tables/Tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"filter": r.URL.Query().Get("filter"),
			"sort":   r.URL.Query().Get("sort"),
			"limit":  r.URL.Query().Get("limit"),
		}
		_, _ = w.Write([]byte(`{"records":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := New("grist://D1/Expenses", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Rows(context.Background(),
		map[string][]any{"item": {"coffee", "tea"}},
		[]SortKey{{Column: "item"}, {Column: "amount", Descending: true}},
		25)
	require.NoError(t, err)

	assert.Equal(t, `{"item":["coffee","tea"]}`, gotQuery["filter"])
	assert.Equal(t, "item,-amount", gotQuery["sort"])
	assert.Equal(t, "25", gotQuery["limit"])
}

func TestAdapterColumnsForRows(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://D1/Tbl1", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	kinds, err := a.Columns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]FieldKind{
		"id":     FieldInteger,
		"item":   FieldText,
		"amount": FieldFloat,
		"when":   FieldDate,
		"tags":   FieldReferenceList,
	}, kinds)
}

func TestAdapterColumnsListing(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://D1/Expenses/__columns__", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.Rows(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Item", rows[0]["name"])
	assert.Equal(t, "Text", rows[0]["type"])
}

func TestAdapterTablesListing(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://D1", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.Rows(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Expenses", rows[0]["name"])
	assert.Equal(t, "Tbl2", rows[1]["name"], "tables without a name fall back to the id")
}

func TestAdapterOrgsListing(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://__orgs__", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.Rows(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme", rows[0]["name"])
}

func TestAdapterDocsListing(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.Rows(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "D1", rows[0]["id"])
	assert.Equal(t, "Budget", rows[0]["name"])
}

func TestAdapterDocsListingRequiresOrg(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	settings := testSettings(srv.URL)
	settings.OrgID = 0
	a, err := New("grist://", settings)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Rows(context.Background(), nil, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org_id")
}

func TestAdapterUnknownTable(t *testing.T) {
	srv := fakeGrist(t, `{"records":[]}`)
	defer srv.Close()

	a, err := New("grist://D1/NoSuchTable", testSettings(srv.URL))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Rows(context.Background(), nil, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoSuchTable")
}

func TestAdapterRejectsBadOverride(t *testing.T) {
	_, err := New("grist://D1/T1?maxsize=0", testSettings("https://grist.example.com"))
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestParseSort(t *testing.T) {
	assert.Nil(t, ParseSort(""))
	assert.Equal(t, []SortKey{{Column: "a"}}, ParseSort("a"))
	assert.Equal(t,
		[]SortKey{{Column: "a"}, {Column: "b", Descending: true}},
		ParseSort("a, -b"))
}

func TestParseFilter(t *testing.T) {
	got, err := ParseFilter(`{"pet":["cat","dog"]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string][]any{"pet": {"cat", "dog"}}, got)

	empty, err := ParseFilter("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseFilter("{not json")
	require.Error(t, err)
}
