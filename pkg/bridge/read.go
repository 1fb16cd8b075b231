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
	"fmt"
	"sort"

	"github.com/motionlake/motionlaked/pkg/content"
)

// ReadRow is one decoded row: the payload re-serialized through its content
// parser, paired with its integer timestamp.
type ReadRow struct {
	Data      []byte
	Timestamp int64
}

// Read implements spec.md §4.3.3: decode a fragment's rows, push down an
// inclusive [minTs, maxTs] filter, sort by timestamp in the requested
// direction, truncate to limit (0 means unbounded), then serialize each
// surviving row's data back to bytes through contentType's parser.
func (b *Bridge) Read(ctx context.Context, data []byte, contentType int, minTs, maxTs int64, ascending bool, limit int) ([]ReadRow, error) {
	rows, _, err := readAllRows(data)
	if err != nil {
		return nil, fmt.Errorf("bridge: read fragment: %w", err)
	}

	filtered := rows[:0]
	for _, row := range rows {
		ts := timestampOf(row)
		if ts < minTs || ts > maxTs {
			continue
		}
		filtered = append(filtered, row)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if ascending {
			return timestampOf(filtered[i]) < timestampOf(filtered[j])
		}
		return timestampOf(filtered[i]) > timestampOf(filtered[j])
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	parser := b.registry.Get(content.Type(contentType))
	out := make([]ReadRow, 0, len(filtered))
	for _, row := range filtered {
		var value any
		if content.Type(contentType) == content.GTFSRT {
			value = dematerializeProto(row["data"])
		} else {
			value = dematerializeJSON(row["data"])
		}
		encoded, err := parser.Serialize(value)
		if err != nil {
			return nil, fmt.Errorf("bridge: serialize row: %w", err)
		}
		out = append(out, ReadRow{Data: encoded, Timestamp: timestampOf(row)})
	}
	return out, nil
}
