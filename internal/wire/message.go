// Package wire builds the length-delimited tagged messages the language server
// expects on its handshake channel and its binary RPC endpoints.
//
// Only encoding is supported. Messages are described declaratively as an
// ordered list of fields; Marshal renders them byte for byte in that order.
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type fieldKind uint8

const (
	kindString fieldKind = iota
	kindMessage
	kindVarint
)

// Field is a single numbered entry of a Message.
type Field struct {
	num    protowire.Number
	kind   fieldKind
	str    string
	msg    Message
	varint uint64
	always bool
}

// Message is an ordered list of fields.
type Message []Field

// String returns a length-delimited UTF-8 field.
func String(num int, value string) Field {
	return Field{num: protowire.Number(num), kind: kindString, str: value}
}

// Nested returns a length-delimited field holding an encoded sub-message.
func Nested(num int, msg Message) Field {
	return Field{num: protowire.Number(num), kind: kindMessage, msg: msg}
}

// Varint returns a varint field (wire type 0).
func Varint(num int, value uint64) Field {
	return Field{num: protowire.Number(num), kind: kindVarint, varint: value}
}

// Always forces the field to be written even when its value is empty or zero.
func (f Field) Always() Field {
	f.always = true
	return f
}

// Marshal encodes the message.
func (m Message) Marshal() []byte {
	return m.AppendTo(nil)
}

// AppendTo appends the encoded message to b.
func (m Message) AppendTo(b []byte) []byte {
	for _, f := range m {
		b = f.appendTo(b)
	}
	return b
}

func (f Field) appendTo(b []byte) []byte {
	switch f.kind {
	case kindString:
		if f.str == "" && !f.always {
			return b
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		return protowire.AppendString(b, f.str)
	case kindMessage:
		payload := f.msg.Marshal()
		if len(payload) == 0 && !f.always {
			return b
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		return protowire.AppendBytes(b, payload)
	case kindVarint:
		if f.varint == 0 && !f.always {
			return b
		}
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		return protowire.AppendVarint(b, f.varint)
	}
	return b
}
