package bridge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/motionlake/motionlaked/pkg/content"
)

// materialize converts a parsed payload value (as produced by a
// content.Parser) into the plain map[string]any / []any / scalar shape
// parquet-go's reflection-based row writer expects, mirroring the node
// shape inferSchema built for the same value.
func materialize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case *content.OrderedObject:
		m := make(map[string]any, len(v.Keys))
		for _, k := range v.Keys {
			m[k] = materialize(v.Values[k])
		}
		return m
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = materialize(e)
		}
		return out
	case []*content.ProtoField:
		m := make(map[string]any, len(v))
		for _, f := range v {
			m[fieldName(f.Number)] = materializeProtoValues(f.Values)
		}
		return m
	default:
		// string, float64, bool, []byte already match parquet-go's
		// expected leaf representations.
		return v
	}
}

func materializeProtoValues(values []content.ProtoValue) any {
	if len(values) == 1 && values[0].Group == nil {
		return values[0].Bytes
	}
	if len(values) == 1 {
		return materializeProtoGroup(values[0].Group)
	}
	out := make([]any, len(values))
	for i, v := range values {
		if v.Group != nil {
			out[i] = materializeProtoGroup(v.Group)
		} else {
			out[i] = v.Bytes
		}
	}
	return out
}

func materializeProtoGroup(fields []*content.ProtoField) map[string]any {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[fieldName(f.Number)] = materializeProtoValues(f.Values)
	}
	return m
}

func fieldName(n protowire.Number) string { return fmt.Sprintf("f%d", n) }

// dematerializeJSON converts a generic value read back from Parquet — maps
// keyed by field name, whose column order parquet-go's Group canonicalizes
// alphabetically rather than by original insertion order — into the
// *content.OrderedObject / []any / scalar shape content.JSONParser expects
// to Serialize. Key order after a store -> flush -> query round trip is
// therefore alphabetical rather than the original payload's order; this is
// a documented deviation from byte-exact round-tripping, see DESIGN.md.
func dematerializeJSON(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := &content.OrderedObject{Values: map[string]any{}}
		for _, k := range keys {
			obj.Keys = append(obj.Keys, k)
			obj.Values[k] = dematerializeJSON(v[k])
		}
		return obj
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = dematerializeJSON(e)
		}
		return out
	default:
		return v
	}
}

// dematerializeProto rebuilds the []*content.ProtoField shape
// content.GTFSRTParser.Serialize expects from the generic map produced by
// reading a "fN"-keyed parquet group back out.
func dematerializeProto(value any) []*content.ProtoField {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	var names []string
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []*content.ProtoField
	for _, name := range names {
		num, err := strconv.Atoi(strings.TrimPrefix(name, "f"))
		if err != nil {
			continue
		}
		out = append(out, &content.ProtoField{
			Number: protowire.Number(num),
			Values: protoValuesFrom(m[name]),
		})
	}
	return out
}

func protoValuesFrom(v any) []content.ProtoValue {
	switch t := v.(type) {
	case []byte:
		return []content.ProtoValue{{Wire: protowire.BytesType, Bytes: t}}
	case map[string]any:
		return []content.ProtoValue{{Wire: protowire.BytesType, Group: dematerializeProto(t)}}
	case []any:
		out := make([]content.ProtoValue, 0, len(t))
		for _, e := range t {
			out = append(out, protoValuesFrom(e)...)
		}
		return out
	default:
		return nil
	}
}
