package ipc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// rawMessage carries an already-encoded protobuf payload through grpc.
type rawMessage struct {
	data []byte
}

// rawCodec moves rawMessage bytes through grpc unmodified. The request
// messages exchanged with the attestation agent and the confidential data
// hub are tiny (a handful of string and bytes fields), so they are encoded
// by hand with protowire instead of carrying generated stubs.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("ipc: cannot marshal %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("ipc: cannot unmarshal into %T", v)
	}
	m.data = data
	return nil
}

func (rawCodec) Name() string { return "proto" }

// appendString appends a length-delimited string field.
func appendString(buf []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

// appendBytes appends a length-delimited bytes field.
func appendBytes(buf []byte, field protowire.Number, b []byte) []byte {
	if len(b) == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendBytes(buf, b)
}

// fields decodes the top-level length-delimited fields of msg. Later
// occurrences of a repeated field overwrite earlier ones; the responses we
// parse carry each field at most once.
func fields(msg []byte) (map[protowire.Number][]byte, error) {
	out := make(map[protowire.Number][]byte)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, fmt.Errorf("ipc: malformed response tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]
		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, fmt.Errorf("ipc: malformed bytes field %d: %w", num, protowire.ParseError(n))
			}
			out[num] = val
			msg = msg[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, fmt.Errorf("ipc: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return nil, fmt.Errorf("ipc: malformed field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}
	return out, nil
}
