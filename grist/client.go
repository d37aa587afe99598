// Package grist is a client for the Grist REST API with a pluggable
// TTL+LRU response cache and a retrying HTTP transport.
// Docs: https://support.getgrist.com/api/
package grist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gristql/gristql/cache"
)

const DefaultUserAgent = "gristql/0.1"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// CacheConfig selects and sizes the response cache. Immutable after client
// construction.
type CacheConfig struct {
	Enabled bool
	// MetadataTTL applies to org/workspace/doc/table/column listings.
	MetadataTTL time.Duration
	// RecordsTTL applies to row fetches; 0 disables caching for records.
	RecordsTTL time.Duration
	MaxSize    int
	Backend    string
	// Path is the cache file location, required for the sqlite backend.
	Path string
}

// Config carries everything a Client needs at construction time.
type Config struct {
	Server    string
	APIKey    string
	UserAgent string
	Cache     CacheConfig
}

// Client talks to one Grist server. It owns exactly one cache store for its
// lifetime; stores are not shared across clients.
type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	store   cache.Store
	log     zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default retrying client, e.g. for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRateLimit caps outbound requests per second across all operations.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if t, ok := c.http.Transport.(*RetryTransport); ok {
			t.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// New creates a client and its cache store.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Server == "" {
		return nil, errors.New("grist: server URL required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("grist: API key required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	base, err := url.Parse(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("grist: bad server URL %q: %w", cfg.Server, err)
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: NewRetryTransport(http.DefaultTransport),
		},
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case BackendSQLite:
			if cfg.Cache.Path == "" {
				return nil, errors.New("grist: cache path required for sqlite backend")
			}
			store, err := cache.NewSQLiteStore(cfg.Cache.Path, cfg.Cache.MaxSize, c.log)
			if err != nil {
				return nil, err
			}
			c.store = store
		case BackendMemory, "":
			c.store = cache.NewMemoryStore(cfg.Cache.MaxSize, c.log)
		default:
			return nil, fmt.Errorf("grist: unknown cache backend %q", cfg.Cache.Backend)
		}
	}
	return c, nil
}

// Close releases the cache store.
func (c *Client) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache() error {
	if c.store == nil {
		return nil
	}
	return c.store.Clear()
}

// CacheStats reports the store's counters; ok is false when caching is
// disabled.
func (c *Client) CacheStats() (cache.Stats, bool) {
	if c.store == nil {
		return cache.Stats{}, false
	}
	return c.store.Stats(), true
}

// ListOrgs returns the organizations visible to the API key.
func (c *Client) ListOrgs(ctx context.Context) ([]Org, error) {
	return fetchCached(ctx, c, "list_orgs", c.cfg.Cache.MetadataTTL, nil,
		func(ctx context.Context) ([]Org, error) {
			var orgs []Org
			err := c.getJSON(ctx, "/api/orgs", nil, &orgs)
			return orgs, err
		})
}

// ListWorkspaces returns all workspaces of an organization, docs included.
func (c *Client) ListWorkspaces(ctx context.Context, orgID int64) ([]Workspace, error) {
	return fetchCached(ctx, c, "list_workspaces", c.cfg.Cache.MetadataTTL, []any{orgID},
		func(ctx context.Context) ([]Workspace, error) {
			var workspaces []Workspace
			err := c.getJSON(ctx, fmt.Sprintf("/api/orgs/%d/workspaces", orgID), nil, &workspaces)
			return workspaces, err
		})
}

// ListDocs flattens the workspace listing into document summaries.
// workspaceID, when non-nil, restricts the result to one workspace.
// Cached at the flattened level.
func (c *Client) ListDocs(ctx context.Context, orgID int64, workspaceID *int64) ([]DocSummary, error) {
	return fetchCached(ctx, c, "list_docs", c.cfg.Cache.MetadataTTL, []any{orgID, workspaceID},
		func(ctx context.Context) ([]DocSummary, error) {
			workspaces, err := c.ListWorkspaces(ctx, orgID)
			if err != nil {
				return nil, err
			}
			docs := make([]DocSummary, 0)
			for _, ws := range workspaces {
				if workspaceID != nil && ws.ID != *workspaceID {
					continue
				}
				for _, doc := range ws.Docs {
					docs = append(docs, DocSummary{
						WorkspaceID:     ws.ID,
						WorkspaceName:   ws.Name,
						WorkspaceAccess: ws.Access,
						OrgDomain:       ws.OrgDomain,
						DocID:           doc.ID,
						DocName:         doc.Name,
						DocCreatedAt:    doc.CreatedAt,
						DocUpdatedAt:    doc.UpdatedAt,
					})
				}
			}
			return docs, nil
		})
}

// ListTables returns the tables of a document.
func (c *Client) ListTables(ctx context.Context, docID string) ([]Table, error) {
	return fetchCached(ctx, c, "list_tables", c.cfg.Cache.MetadataTTL, []any{docID},
		func(ctx context.Context) ([]Table, error) {
			var env tablesEnvelope
			err := c.getJSON(ctx, fmt.Sprintf("/api/docs/%s/tables", docID), nil, &env)
			return env.Tables, err
		})
}

// ListColumns returns the columns of a table.
func (c *Client) ListColumns(ctx context.Context, docID, tableID string) ([]Column, error) {
	return fetchCached(ctx, c, "list_columns", c.cfg.Cache.MetadataTTL, []any{docID, tableID},
		func(ctx context.Context) ([]Column, error) {
			var env columnsEnvelope
			err := c.getJSON(ctx, fmt.Sprintf("/api/docs/%s/tables/%s/columns", docID, tableID), nil, &env)
			return env.Columns, err
		})
}

// FetchRecords materializes the rows of a table in one request. Params are
// normalized before both cache-key derivation and the outbound call, so
// equivalent filter/sort/limit combinations share one cache entry.
func (c *Client) FetchRecords(ctx context.Context, docID, tableID string, params RecordParams) ([]Row, error) {
	q, err := params.normalize()
	if err != nil {
		return nil, err
	}
	return fetchCached(ctx, c, "fetch_records", c.cfg.Cache.RecordsTTL, []any{docID, tableID, q},
		func(ctx context.Context) ([]Row, error) {
			var env recordsEnvelope
			path := fmt.Sprintf("/api/docs/%s/tables/%s/records", docID, tableID)
			if err := c.getJSON(ctx, path, q, &env); err != nil {
				return nil, err
			}
			return flattenRecords(env), nil
		})
}

// fetchCached implements the shared per-operation pattern: derive key,
// consult the store, and on miss fetch, store at the class TTL, return.
// Fatal store errors propagate; everything resolvable as a miss is silent.
func fetchCached[T any](ctx context.Context, c *Client, op string, ttl time.Duration, parts []any, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	useCache := c.store != nil && ttl > 0
	var key cache.Key
	if useCache {
		var err error
		key, err = cache.NewKey(op, parts...)
		if err != nil {
			c.log.Debug().Str("op", op).Err(err).Msg("cache key derivation failed, fetching uncached")
			useCache = false
		}
	}

	if useCache {
		raw, ok, err := c.store.Get(key)
		if err != nil {
			return zero, err
		}
		if ok {
			var out T
			if err := json.Unmarshal(raw, &out); err == nil {
				c.log.Debug().Str("op", op).Msg("cache hit")
				return out, nil
			}
			// Undecodable entry behaves like a miss.
		}
	}

	out, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	if useCache {
		if err := c.store.Set(key, out, ttl); err != nil {
			return zero, err
		}
	}
	return out, nil
}

// getJSON performs one GET through the retrying transport and decodes the
// body. Non-2xx responses after retries become *APIError.
func (c *Client) getJSON(ctx context.Context, p string, query map[string]string, out any) error {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	if len(query) > 0 {
		values := u.Query()
		for k, v := range query {
			values.Set(k, v)
		}
		u.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	c.log.Debug().Str("url", u.String()).Str("fetch_id", uuid.NewString()).Msg("fetching")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("grist: GET %s: %w", p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, URL: u.String(), Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
