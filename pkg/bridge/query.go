/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// QueryFailed wraps any error surfaced by the embedded DuckDB engine, so the
// Engine layer can map it to a single stable error class regardless of
// whether the fault came from a malformed user SQL fragment or a read error
// against one of the backing Parquet files.
type QueryFailed struct {
	Err error
}

func (e *QueryFailed) Error() string { return fmt.Sprintf("bridge: advanced query failed: %v", e.Err) }
func (e *QueryFailed) Unwrap() error { return e.Err }

// AdvancedQuery implements spec.md §4.3.4: build the filtered, sorted,
// limited/offset relation over every fragmentPath first, then substitute the
// user's "[table]" placeholder with *that* relation, matching
// original_source's own parquet_bridge.py (build `table`, then
// `query.replace("[table]", f"({table})")`). The user's query runs as the
// outermost statement, not the other way around, so a projecting or
// aggregating query (e.g. "SELECT count(*) FROM [table]") sees a plain
// pre-filtered relation rather than being wrapped by a clause that assumes
// its own output still carries a timestamp column.
func (b *Bridge) AdvancedQuery(ctx context.Context, fragmentPaths []string, userSQL string, minTS, maxTS int64, ascending bool, limit, offset int) ([]map[string]any, error) {
	if len(fragmentPaths) == 0 {
		return nil, nil
	}
	if !strings.Contains(userSQL, "[table]") {
		return nil, &QueryFailed{Err: fmt.Errorf("query must reference [table]")}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, &QueryFailed{Err: err}
	}
	defer db.Close()

	quoted := make([]string, len(fragmentPaths))
	for i, p := range fragmentPaths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	relation := fmt.Sprintf("read_parquet([%s], union_by_name=true)", strings.Join(quoted, ", "))

	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	table := fmt.Sprintf(
		"SELECT * FROM %s WHERE timestamp BETWEEN %d AND %d ORDER BY timestamp %s",
		relation, minTS, maxTS, order,
	)
	if limit > 0 {
		table += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		table += fmt.Sprintf(" OFFSET %d", offset)
	}

	final := strings.ReplaceAll(userSQL, "[table]", "("+table+")")

	rows, err := db.QueryContext(ctx, final)
	if err != nil {
		return nil, &QueryFailed{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryFailed{Err: err}
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryFailed{Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryFailed{Err: err}
	}
	return out, nil
}
