// Package wire implements the host↔guest frame codec and the typed message
// envelopes carried over it.
//
// Every message is encoded with the protobuf wire format via
// google.golang.org/protobuf/encoding/protowire — the low-level tag/varint
// primitives the protobuf module exposes for callers that hand-roll a codec
// without a .proto/protoc-gen-go pipeline. There is no generated *.pb.go:
// each type below owns a small, explicit marshal/unmarshal pair built on
// protowire's append/consume helpers.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUvarint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUvarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	return appendBytes(b, num, []byte(v))
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// field is one decoded (number, wiretype, raw-value) triple from a single
// pass over an encoded message.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	varnt uint64
	bytes []byte
}

// walkFields decodes every top-level field of b, calling visit for each.
// Unknown field numbers are silently skipped (forward compatibility), per
// the protobuf wire format's own extensibility rule.
func walkFields(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var f field
		f.num, f.typ = num, typ

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("wire: invalid varint: %w", protowire.ParseError(n))
			}
			f.varnt = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("wire: invalid bytes: %w", protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed32: %w", protowire.ParseError(n))
			}
			f.varnt = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed64: %w", protowire.ParseError(n))
			}
			f.varnt = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wire: invalid field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) str() string  { return string(f.bytes) }
func (f field) u32() uint32  { return uint32(f.varnt) }
func (f field) i32() int32   { return int32(f.varnt) }
func (f field) i64() int64   { return int64(f.varnt) }
func (f field) boolean() bool { return f.varnt != 0 }
