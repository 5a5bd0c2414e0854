package request

import (
	"net/http"
	"strconv"
)

// Pagination is keyset pagination over target names: Cursor is the name of
// the last target on the previous page and listing resumes after it.
type Pagination struct {
	Limit  int
	Cursor string
}

// Target fleets are small. The default covers most of them in one page and
// the cap keeps a single response bounded.
const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// ParsePagination reads limit and cursor from the query string. A cursor
// that is not a valid target name is dropped rather than rejected, so a
// stale or mangled URL degrades to the first page.
func ParsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: DefaultLimit}

	if cursor := r.URL.Query().Get("cursor"); nameRegex.MatchString(cursor) {
		p.Cursor = cursor
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			p.Limit = limit
		}
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	return p
}
