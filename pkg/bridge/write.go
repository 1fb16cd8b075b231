package bridge

import (
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/motionlake/motionlaked/pkg/content"
)

func parquetCompressionFor(c Compression) parquet.Compression {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionUncompressed:
		return &parquet.Uncompressed
	default:
		return &parquet.Gzip
	}
}

// WriteSingle implements spec.md §4.3.1: parse payload under contentType
// (retrying once as RAW on TypeMismatch), infer/cache its schema, build a
// single-row table and write it to w under snappy compression.
func (b *Bridge) WriteSingle(ctx context.Context, payload []byte, ts int64, w io.Writer, collection string, contentType int) (WriteResult, error) {
	return b.writeSingle(ctx, payload, ts, w, collection, contentType, false)
}

func (b *Bridge) writeSingle(ctx context.Context, payload []byte, ts int64, w io.Writer, collection string, contentType int, alreadyRetried bool) (WriteResult, error) {
	parser := b.registry.Get(content.Type(contentType))
	value, err := parser.Parse(payload)
	if err != nil {
		if alreadyRetried {
			return WriteResult{}, fmt.Errorf("bridge: payload unparseable even as RAW: %w", err)
		}
		return b.writeSingle(ctx, payload, ts, w, collection, int(content.RAW), true)
	}

	key := cacheKey(collection, contentType)
	schema, fromCache := b.schemas.get(key)
	var rs rowSchema
	if fromCache {
		rs = rowSchema{schema: schema}
	} else {
		rs = inferSchema(value)
		if rs.lines > schemaComplexityLimit {
			if alreadyRetried || content.Type(contentType) == content.RAW {
				return WriteResult{}, fmt.Errorf("bridge: schema too complex for collection %q content type %d", collection, contentType)
			}
			return b.writeSingle(ctx, payload, ts, w, collection, int(content.RAW), true)
		}
		b.schemas.set(key, rs.schema)
	}

	row := map[string]any{
		"data":      materialize(value),
		"timestamp": ts,
	}

	n, buildErr := writeRow(w, rs.schema, row, CompressionSnappy)
	if buildErr != nil {
		if fromCache {
			b.schemas.evict(key)
			return b.writeSingle(ctx, payload, ts, w, collection, contentType, alreadyRetried)
		}
		if alreadyRetried || content.Type(contentType) == content.RAW {
			return WriteResult{}, fmt.Errorf("bridge: build table: %w", buildErr)
		}
		return b.writeSingle(ctx, payload, ts, w, collection, int(content.RAW), true)
	}

	return WriteResult{
		ContentType:  contentType,
		SizeWritten:  n,
		OriginalSize: int64(len(payload)),
	}, nil
}

// writeRow writes exactly one row under schema to w with the given
// compression, returning the number of bytes written.
func writeRow(w io.Writer, schema *parquet.Schema, row map[string]any, compression Compression) (int64, error) {
	cw := &countingWriter{w: w}
	pw := parquet.NewWriter(cw, schema, parquetCompressionFor(compression))
	if _, err := pw.Write(row); err != nil {
		return 0, fmt.Errorf("write row: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("close writer: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
