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
	"fmt"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/motionlake/motionlaked/pkg/content"
)

// schemaComplexityLimit is the rendered-line threshold past which a schema
// is rejected and the write downgrades to RAW (spec.md §4.3.1 step 2),
// approximating "very wide union types" the way the original's pyarrow
// schema-string-length check did.
const schemaComplexityLimit = 100

// schemaCache memoizes the inferred schema per (collection, content type)
// so every buffered fragment of that pair shares one on-disk schema and
// merges never need reconciliation (spec.md §4.3.1).
type schemaCache struct {
	mu    sync.RWMutex
	byKey map[string]*parquet.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byKey: make(map[string]*parquet.Schema)}
}

func cacheKey(collection string, contentType int) string {
	return fmt.Sprintf("%s/%d", collection, contentType)
}

func (c *schemaCache) get(key string) (*parquet.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byKey[key]
	return s, ok
}

func (c *schemaCache) set(key string, s *parquet.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = s
}

func (c *schemaCache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key)
}

// rowSchema wraps the inferred root node together with the line count used
// for the complexity check, since re-walking a built parquet.Node to
// measure it back out is more fragile than counting while building it.
type rowSchema struct {
	schema *parquet.Schema
	lines  int
}

// inferSchema builds the row schema {data: <inferred>, timestamp: int64}
// for one parsed value, per spec.md §4.3's fixed envelope.
func inferSchema(value any) rowSchema {
	dataNode, lines := inferNode(value)
	root := parquet.Group{
		"data":      parquet.Optional(dataNode),
		"timestamp": parquet.Leaf(parquet.Int64Type),
	}
	return rowSchema{
		schema: parquet.NewSchema("motionlake_row", root),
		lines:  lines + 1,
	}
}

// inferNode walks a parsed payload value (as produced by the content
// registry's parsers) and returns the matching parquet.Node, plus the
// number of schema "lines" it would render as — one per leaf or group
// field, the same granularity pyarrow's schema pretty-printer counts.
func inferNode(value any) (parquet.Node, int) {
	switch v := value.(type) {
	case nil:
		return parquet.Leaf(parquet.ByteArrayType), 1
	case *content.OrderedObject:
		fields := parquet.Group{}
		lines := 0
		for _, k := range v.Keys {
			child, n := inferNode(v.Values[k])
			fields[k] = parquet.Optional(child)
			lines += n
		}
		return fields, lines + 1
	case []any:
		if len(v) == 0 {
			return parquet.Repeated(parquet.Leaf(parquet.ByteArrayType)), 1
		}
		elem, n := inferNode(v[0])
		return parquet.Repeated(elem), n + 1
	case string:
		return parquet.String(), 1
	case float64:
		return parquet.Leaf(parquet.DoubleType), 1
	case bool:
		return parquet.Leaf(parquet.BooleanType), 1
	case []byte:
		return parquet.Leaf(parquet.ByteArrayType), 1
	case []*content.ProtoField:
		fields := parquet.Group{}
		lines := 0
		sorted := append([]*content.ProtoField(nil), v...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
		for _, f := range sorted {
			name := fmt.Sprintf("f%d", f.Number)
			node, n := inferProtoValues(f.Values)
			fields[name] = parquet.Optional(node)
			lines += n
		}
		return fields, lines + 1
	default:
		// Unknown shape: fall back to an opaque byte column rather than
		// failing inference outright; write_single's caller downgrades to
		// RAW separately when construction against this schema fails.
		return parquet.Leaf(parquet.ByteArrayType), 1
	}
}

func inferProtoValues(values []content.ProtoValue) (parquet.Node, int) {
	if len(values) == 0 {
		return parquet.Leaf(parquet.ByteArrayType), 1
	}
	first := values[0]
	var leaf parquet.Node
	switch {
	case first.Group != nil:
		fields := parquet.Group{}
		lines := 0
		for _, sub := range first.Group {
			name := fmt.Sprintf("f%d", sub.Number)
			n, c := inferProtoValues(sub.Values)
			fields[name] = parquet.Optional(n)
			lines += c
		}
		leaf = fields
		lines++
		if len(values) > 1 {
			return parquet.Repeated(leaf), lines
		}
		return leaf, lines
	default:
		leaf = parquet.Leaf(parquet.ByteArrayType)
	}
	if len(values) > 1 {
		return parquet.Repeated(leaf), 1
	}
	return leaf, 1
}
