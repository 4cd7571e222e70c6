// Package sqlq builds the dynamic listing queries shared by the SQL stores.
package sqlq

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder and matching syntax.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// DeletedStatus is excluded from listings unless a status filter is given.
const DeletedStatus = 3

// ListQuery describes a filtered, sorted, optionally paged listing.
type ListQuery struct {
	Dialect      Dialect
	Table        string
	Columns      string
	SearchColumn string
	Search       string
	Status       *int16
	SortColumn   string
	Desc         bool
	Limit        int
	Offset       int
}

// Build returns the page query and the matching count query with their args.
func (q ListQuery) Build() (query string, args []any, countQuery string, countArgs []any) {
	var where strings.Builder
	where.WriteString(" WHERE ")
	if q.Status != nil {
		args = append(args, int64(*q.Status))
		where.WriteString("status = " + q.placeholder(len(args)))
	} else {
		where.WriteString("status <> " + strconv.Itoa(DeletedStatus))
	}
	if q.Search != "" {
		args = append(args, "%"+EscapeLike(q.Search)+"%")
		where.WriteString(" AND " + q.matchClause(q.SearchColumn, q.placeholder(len(args))))
	}

	countArgs = append([]any(nil), args...)
	countQuery = "SELECT COUNT(*) FROM " + q.Table + where.String()

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query = "SELECT " + q.Columns + " FROM " + q.Table + where.String() +
		" ORDER BY " + q.SortColumn + " " + dir + ", id " + dir
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT " + q.placeholder(len(args))
		args = append(args, q.Offset)
		query += " OFFSET " + q.placeholder(len(args))
	}
	return query, args, countQuery, countArgs
}

func (q ListQuery) placeholder(n int) string {
	if q.Dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?" + strconv.Itoa(n)
}

func (q ListQuery) matchClause(column, placeholder string) string {
	if q.Dialect == Postgres {
		return column + ` ILIKE ` + placeholder + ` ESCAPE '\'`
	}
	return "LOWER(" + column + ") LIKE LOWER(" + placeholder + `) ESCAPE '\'`
}

// EscapeLike escapes LIKE wildcards so the search term matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
