package db

import (
	"strconv"
	"strings"
)

// Rebind rewrites ? placeholders into the backend's native form. Postgres
// binds by ordinal $N; SQLite and MySQL take ? unchanged. Queries never
// embed a literal question mark, so no quoting pass is needed.
func Rebind(t Type, query string) string {
	if t != TypePostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
