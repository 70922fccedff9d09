package recordproto

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	// UnitSeparator splits the fields of a message.
	UnitSeparator = '\x1f'
	// RecordSeparator terminates a message. A frame may hold several messages.
	RecordSeparator = '\x1e'
)

// Encode serializes m as one terminated message.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	m.writeTo(&buf)
	return buf.Bytes()
}

func (m *Message) writeTo(buf *bytes.Buffer) {
	buf.WriteString(string(m.Topic))
	buf.WriteByte(UnitSeparator)
	buf.WriteString(string(m.Action))
	for _, field := range m.Data {
		buf.WriteByte(UnitSeparator)
		buf.WriteString(field)
	}
	buf.WriteByte(RecordSeparator)
}

// EncodeAll serializes msgs into a single frame.
func EncodeAll(msgs ...*Message) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		m.writeTo(&buf)
	}
	return buf.Bytes()
}

// Decode splits a frame into its messages. The trailing separator is optional.
func Decode(frame []byte) ([]*Message, error) {
	parts := strings.Split(string(frame), string(RecordSeparator))
	msgs := make([]*Message, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		fields := strings.Split(part, string(UnitSeparator))
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, part)
		}
		msgs = append(msgs, &Message{
			Topic:  Topic(fields[0]),
			Action: Action(fields[1]),
			Data:   fields[2:],
		})
	}
	return msgs, nil
}
