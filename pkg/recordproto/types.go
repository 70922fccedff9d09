// Package recordproto defines the wire messages exchanged between a record
// client and the remote authority, and the codec used to frame them.
package recordproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned (wrapped) for every frame or field that cannot be decoded.
var ErrMalformed = errors.New("recordproto: malformed message")

// Topic groups messages by feature.
type Topic string

const (
	TopicRecord Topic = "R"
	TopicError  Topic = "E"
)

// Action is the operation carried by a message within its topic.
type Action string

const (
	ActionCreateOrRead Action = "CR" // out: name
	ActionRead         Action = "R"  // in: name, version, json
	ActionUpdate       Action = "U"  // in/out: name, version, json
	ActionPatch        Action = "P"  // in/out: name, version, path, typed value
	ActionAck          Action = "A"  // in: subaction, name[, version]
	ActionDelete       Action = "D"  // in: name[, version]
	ActionUnsubscribe  Action = "US" // out: name
	ActionError        Action = "E"  // in: code, name[, text]
)

// Message is a single decoded protocol message.
type Message struct {
	Topic  Topic    `json:"topic"`
	Action Action   `json:"action"`
	Data   []string `json:"data"`
}

func (m *Message) String() string {
	return fmt.Sprintf("%s|%s|%v", m.Topic, m.Action, m.Data)
}

func newRecordMessage(action Action, data ...string) *Message {
	return &Message{Topic: TopicRecord, Action: action, Data: data}
}

// CreateOrRead requests the current snapshot of name, creating it remotely if absent.
func CreateOrRead(name string) *Message {
	return newRecordMessage(ActionCreateOrRead, name)
}

// Read carries an authoritative full snapshot.
func Read(name string, version uint64, value []byte) *Message {
	return newRecordMessage(ActionRead, name, formatVersion(version), string(value))
}

// Update carries a full value write.
func Update(name string, version uint64, value []byte) *Message {
	return newRecordMessage(ActionUpdate, name, formatVersion(version), string(value))
}

// Patch carries a path-scoped write. A nil value encodes as undefined, which
// removes path from the record.
func Patch(name string, version uint64, path Path, value json.RawMessage) *Message {
	return newRecordMessage(ActionPatch, name, formatVersion(version), path.String(), EncodeRaw(value))
}

// Unsubscribe tells the authority this client no longer holds name.
func Unsubscribe(name string) *Message {
	return newRecordMessage(ActionUnsubscribe, name)
}

// DeleteAck notifies holders that name was permanently removed at version.
func DeleteAck(name string, version uint64) *Message {
	return newRecordMessage(ActionAck, string(ActionDelete), name, formatVersion(version))
}

// Error reports a problem with name back to the client.
func Error(code, name, text string) *Message {
	return newRecordMessage(ActionError, code, name, text)
}

// Snapshot is the decoded payload of a read or update message.
type Snapshot struct {
	Name    string
	Version uint64
	Value   json.RawMessage
}

// ParseSnapshot decodes the data of an R or U message.
func ParseSnapshot(m *Message) (*Snapshot, error) {
	if len(m.Data) < 3 {
		return nil, fmt.Errorf("%w: %s needs 3 fields, got %d", ErrMalformed, m.Action, len(m.Data))
	}
	version, err := parseVersion(m.Data[1])
	if err != nil {
		return nil, err
	}
	value := json.RawMessage(m.Data[2])
	if !json.Valid(value) {
		return nil, fmt.Errorf("%w: invalid json for %q", ErrMalformed, m.Data[0])
	}
	return &Snapshot{Name: m.Data[0], Version: version, Value: value}, nil
}

// PatchData is the decoded payload of a patch message. Value is nil when the
// patch removes Path.
type PatchData struct {
	Name    string
	Version uint64
	Path    Path
	Value   json.RawMessage
}

// ParsePatch decodes the data of a P message.
func ParsePatch(m *Message) (*PatchData, error) {
	if len(m.Data) < 4 {
		return nil, fmt.Errorf("%w: patch needs 4 fields, got %d", ErrMalformed, len(m.Data))
	}
	version, err := parseVersion(m.Data[1])
	if err != nil {
		return nil, err
	}
	path, err := ParsePath(m.Data[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	value, err := DecodeRaw(m.Data[3])
	if err != nil {
		return nil, err
	}
	return &PatchData{Name: m.Data[0], Version: version, Path: path, Value: value}, nil
}

// Deletion is the decoded payload of a deletion notice.
type Deletion struct {
	Name    string
	Version uint64
}

// ParseDeletion decodes either A|D|name[|version] or D|name[|version].
// It returns false when m is an ack for anything other than a deletion.
func ParseDeletion(m *Message) (*Deletion, bool, error) {
	data := m.Data
	if m.Action == ActionAck {
		if len(data) == 0 || Action(data[0]) != ActionDelete {
			return nil, false, nil
		}
		data = data[1:]
	}
	if len(data) == 0 {
		return nil, true, fmt.Errorf("%w: deletion without name", ErrMalformed)
	}
	d := &Deletion{Name: data[0]}
	if len(data) > 1 {
		version, err := parseVersion(data[1])
		if err != nil {
			return nil, true, err
		}
		d.Version = version
	}
	return d, true, nil
}

// RecordName returns the record a message refers to, if any.
func RecordName(m *Message) (string, bool) {
	switch m.Action {
	case ActionAck, ActionError:
		if len(m.Data) > 1 {
			return m.Data[1], true
		}
	default:
		if len(m.Data) > 0 {
			return m.Data[0], true
		}
	}
	return "", false
}

func formatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", ErrMalformed, s)
	}
	return v, nil
}
