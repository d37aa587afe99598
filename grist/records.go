package grist

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RecordParams are the /records query knobs this module pushes down.
// The endpoint offers no pagination cursor, so each fetch materializes the
// full result before caching.
type RecordParams struct {
	// Filter maps column id -> allowed values.
	Filter map[string][]any
	// Sort is a comma-separated multi-column sort; "-" prefix = descending.
	Sort string
	// Limit caps the row count; <= 0 fetches all rows.
	Limit int
	// Hidden includes hidden columns in the response.
	Hidden bool
}

// normalize produces the deterministic query parameters used for both the
// cache key and the outbound request. The filter object is canonicalized
// (encoding/json sorts map keys), sort defaults to ascending id, and the
// limit is pinned to the "all rows" sentinel when unset.
func (p RecordParams) normalize() (map[string]string, error) {
	q := make(map[string]string, 4)

	if len(p.Filter) > 0 {
		encoded, err := json.Marshal(p.Filter)
		if err != nil {
			return nil, fmt.Errorf("grist: filter not encodable: %w", err)
		}
		q["filter"] = string(encoded)
	}

	sort := p.Sort
	if sort == "" {
		sort = "id"
	}
	q["sort"] = sort

	// Sorting by manualSort needs hidden columns.
	if p.Hidden || strings.Contains(sort, "manualSort") {
		q["hidden"] = "true"
	}

	limit := p.Limit
	if limit < 0 {
		limit = 0
	}
	q["limit"] = strconv.Itoa(limit) // 0 = no limit

	return q, nil
}

// flattenRecords turns the /records envelope into plain field maps with the
// row id stored under "id".
func flattenRecords(env recordsEnvelope) []Row {
	rows := make([]Row, 0, len(env.Records))
	for _, rec := range env.Records {
		row := make(Row, len(rec.Fields)+1)
		for k, v := range rec.Fields {
			row[k] = v
		}
		row["id"] = rec.ID
		rows = append(rows, row)
	}
	return rows
}
