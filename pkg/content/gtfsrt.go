package content

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// GTFSRTParser decodes an arbitrary protobuf-encoded message (GTFS-RT
// FeedMessage in practice) into a generic, descriptor-free representation:
// a []*ProtoField in first-appearance order, each holding its field number
// and a slice of field values, preserving the wire type of each value. This avoids depending on generated gtfs-realtime.pb.go
// bindings while still round-tripping the wire bytes exactly, since
// protobuf's wire format is self-describing down to the tag/wire-type
// level; only proto3 semantic defaults (e.g. field-name resolution) are
// lost, which spec.md does not require for storage round-tripping.
type GTFSRTParser struct{}

// ProtoField is one decoded (field number, wire value) pair. Groups of
// repeated submessages appear as repeated ProtoValue entries in arrival
// order to match GTFS-RT's "field order per descriptor" requirement
// (spec.md §8).
type ProtoField struct {
	Number protowire.Number
	Values []ProtoValue
}

// ProtoValue is exactly one of the following, tagged by Wire.
type ProtoValue struct {
	Wire    protowire.Type
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte   // for BytesType: raw bytes; ignored by Serialize when Group != nil
	Group   []*ProtoField // recursively decoded submessage, if Bytes parses as one
}

func (GTFSRTParser) Parse(data []byte) (any, error) {
	fields, err := decodeMessage(data)
	if err != nil {
		return nil, ErrTypeMismatch
	}
	if len(fields) == 0 && len(data) != 0 {
		return nil, ErrTypeMismatch
	}
	return fields, nil
}

func decodeMessage(data []byte) ([]*ProtoField, error) {
	byNumber := map[protowire.Number]*ProtoField{}
	var order []protowire.Number
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		var val ProtoValue
		val.Wire = typ
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val.Varint = v
			data = data[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val.Fixed32 = v
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			val.Fixed64 = v
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			val.Bytes = cp
			if sub, err := decodeMessage(cp); err == nil && len(sub) > 0 {
				val.Group = sub
			}
			data = data[n:]
		default:
			return nil, fmt.Errorf("content: unsupported wire type %d", typ)
		}

		f, ok := byNumber[num]
		if !ok {
			f = &ProtoField{Number: num}
			byNumber[num] = f
			order = append(order, num)
		}
		f.Values = append(f.Values, val)
	}
	out := make([]*ProtoField, 0, len(order))
	for _, num := range order {
		out = append(out, byNumber[num])
	}
	return out, nil
}

func (GTFSRTParser) Serialize(value any) ([]byte, error) {
	fields, ok := value.([]*ProtoField)
	if !ok {
		return nil, ErrTypeMismatch
	}
	return encodeMessage(fields), nil
}

func encodeMessage(fields []*ProtoField) []byte {
	var out []byte
	for _, f := range fields {
		for _, v := range f.Values {
			out = protowire.AppendTag(out, f.Number, v.Wire)
			switch v.Wire {
			case protowire.VarintType:
				out = protowire.AppendVarint(out, v.Varint)
			case protowire.Fixed32Type:
				out = protowire.AppendFixed32(out, v.Fixed32)
			case protowire.Fixed64Type:
				out = protowire.AppendFixed64(out, v.Fixed64)
			case protowire.BytesType:
				if v.Group != nil {
					out = protowire.AppendBytes(out, encodeMessage(v.Group))
				} else {
					out = protowire.AppendBytes(out, v.Bytes)
				}
			}
		}
	}
	return out
}
