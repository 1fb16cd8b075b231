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
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// MergeInput is one buffered fragment's bytes plus its identifying id, the
// shape spec.md §4.3.2 describes as a lazy sequence of (blob_bytes, id).
type MergeInput struct {
	Data []byte
	ID   string
}

// MergeResult is merge's output: the combined blob (nil if every input was
// unreadable) plus the ids that were skipped rather than merged.
type MergeResult struct {
	Data    []byte
	Skipped []string
}

// Merge implements spec.md §4.3.2: read every input, collecting read
// failures into Skipped rather than aborting the whole merge; concatenate
// the survivors' rows in arrival order, sort the result by timestamp
// ascending, and re-encode under the Bridge's configured merge compression.
func (b *Bridge) Merge(ctx context.Context, inputs []MergeInput) (MergeResult, error) {
	var skipped []string
	var ordered []map[string]any
	var schema *parquet.Schema

	for _, in := range inputs {
		rows, s, err := readAllRows(in.Data)
		if err != nil {
			b.log.Warn().Err(err).Str("id", in.ID).Msg("skipping unreadable fragment during merge")
			skipped = append(skipped, in.ID)
			continue
		}
		if schema == nil {
			schema = s
		}
		ordered = append(ordered, rows...)
	}

	if schema == nil {
		allIDs := make([]string, 0, len(inputs))
		for _, in := range inputs {
			allIDs = append(allIDs, in.ID)
		}
		return MergeResult{Skipped: allIDs}, nil
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return timestampOf(ordered[i]) < timestampOf(ordered[j])
	})

	var buf bytes.Buffer
	pw := parquet.NewWriter(&buf, schema, parquetCompressionFor(b.mergeCompression))
	for _, row := range ordered {
		if _, err := pw.Write(row); err != nil {
			return MergeResult{}, fmt.Errorf("bridge: merge write row: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return MergeResult{}, fmt.Errorf("bridge: merge close writer: %w", err)
	}

	return MergeResult{Data: buf.Bytes(), Skipped: skipped}, nil
}

func timestampOf(row map[string]any) int64 {
	switch v := row["timestamp"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// readAllRows decodes every row of a previously-written fragment, returning
// its schema alongside so callers that re-encode (merge) don't need to
// re-infer it.
func readAllRows(data []byte) ([]map[string]any, *parquet.Schema, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet file: %w", err)
	}
	schema := file.Schema()
	reader := parquet.NewReader(file, schema)
	defer reader.Close()

	var rows []map[string]any
	for {
		row := map[string]any{}
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("read row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, schema, nil
}
