package db

import (
	"fmt"
	"sort"
	"strings"
)

// FilterType says how a list filter value is matched against its column.
type FilterType int

const (
	FilterEq       FilterType = iota // exact match
	FilterContains                   // case-insensitive substring
	FilterPrefix                     // case-insensitive prefix
	FilterFrom                       // column >= value
	FilterTo                         // column < value
)

// Filter maps a query parameter to a column.
type Filter struct {
	Type   FilterType
	Column string
}

// SearchQuery builds the count and page queries behind list endpoints.
type SearchQuery struct {
	from    string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery starts a query over from, which may include joins.
func NewSearchQuery(from, cols string) *SearchQuery {
	return &SearchQuery{from: from, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE fragment (without leading "AND"). Placeholders
// must start at Idx().
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddFilter applies one filter.
func (q *SearchQuery) AddFilter(f Filter, value string) {
	switch f.Type {
	case FilterEq:
		q.Add(fmt.Sprintf("%s = $%d", f.Column, q.idx), value)
	case FilterContains:
		q.Add(fmt.Sprintf("%s ILIKE $%d", f.Column, q.idx), "%"+escapeLike(value)+"%")
	case FilterPrefix:
		q.Add(fmt.Sprintf("%s ILIKE $%d", f.Column, q.idx), escapeLike(value)+"%")
	case FilterFrom:
		q.Add(fmt.Sprintf("%s >= $%d", f.Column, q.idx), value)
	case FilterTo:
		q.Add(fmt.Sprintf("%s < $%d", f.Column, q.idx), value)
	}
}

// ApplyFilters applies every non-empty param that has a filter configured.
// Params are applied in sorted order so the generated SQL is stable.
func (q *SearchQuery) ApplyFilters(params map[string]string, filters map[string]Filter) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.TrimSpace(params[name])
		if f, ok := filters[name]; ok && value != "" {
			q.AddFilter(f, value)
		}
	}
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// ApplySort reads a comma-separated sort param ("-created_at,name") and
// maps each field through allowed. Unknown fields are ignored.
func (q *SearchQuery) ApplySort(sortParam, defaultOrder string, allowed map[string]string) {
	var parts []string
	for _, field := range strings.Split(sortParam, ",") {
		field = strings.TrimSpace(field)
		dir := " ASC"
		if strings.HasPrefix(field, "-") {
			dir = " DESC"
			field = field[1:]
		}
		if col, ok := allowed[field]; ok {
			parts = append(parts, col+dir)
		}
	}
	if len(parts) == 0 {
		q.orderBy = defaultOrder
		return
	}
	q.orderBy = strings.Join(parts, ", ")
}

func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.from, q.where)
}

func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

func (q *SearchQuery) DataSQL(limit, offset int) string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.from, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args)+2)
	copy(out, q.args)
	out[len(q.args)] = limit
	out[len(q.args)+1] = offset
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
