package catalog

import (
	"github.com/lib/pq"
)

// pqStringArray adapts a []string for use as a Postgres text[] bind
// parameter in = ANY($n) clauses.
func pqStringArray(ss []string) any {
	return pq.Array(ss)
}

// pqIntArray adapts a []int for use as a Postgres integer[] bind
// parameter.
func pqIntArray(is []int) any {
	return pq.Array(is)
}

// containsPQCode reports whether err is a *pq.Error carrying the given
// SQLSTATE code (e.g. "23505" for unique_violation).
func containsPQCode(err error, code string) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	return string(pqErr.Code) == code
}
