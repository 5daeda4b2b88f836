package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Represents the type of a document topic message
type MessageType string

const (
	// Announces a participant and carries its state vector
	MessageTypeJoin MessageType = "JOIN"

	// Announces that a participant left the room
	MessageTypeLeave MessageType = "LEAVE"

	// Carries a base64 encoded update frame
	MessageTypeCodeUpdate MessageType = "CODE_UPDATE"
)

// ErrMalformedMessage wraps every parse failure
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Returns the topic that carries document messages for a room
func DocumentTopic(roomID string) string {
	return "room/" + roomID
}

// Returns the topic that carries cursor messages for a room
func CursorTopic(roomID string) string {
	return "room/" + roomID + "/cursors"
}

// Splits a topic into its room id, reporting whether it is a cursor topic
func ParseTopic(topic string) (roomID string, cursors bool, ok bool) {
	rest, found := strings.CutPrefix(topic, "room/")
	if !found || rest == "" {
		return "", false, false
	}
	if id, isCursor := strings.CutSuffix(rest, "/cursors"); isCursor {
		if id == "" || strings.Contains(id, "/") {
			return "", false, false
		}
		return id, true, true
	}
	if strings.Contains(rest, "/") {
		return "", false, false
	}
	return rest, false, true
}

// Envelope is the outer shape of every document topic message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Content json.RawMessage `json:"content"`
	Sender  string          `json:"sender"`
}

type JoinContent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`

	// StateVector is the joiner's base64 encoded state vector. Members
	// answer with the delta it is missing.
	StateVector string `json:"stateVector,omitempty"`
}

type LeaveContent struct {
	UserID string `json:"userId"`
}

type CodeUpdateContent struct {
	Code string `json:"code"`
}

// Selection is a rune range; Start == End means no selection.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorMessage is published on the cursor topic.
type CursorMessage struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Color     string    `json:"color"`
	Position  int       `json:"position"`
	Selection Selection `json:"selection"`
	Timestamp int64     `json:"timestamp"`
}

// Builds an envelope around the given content
func NewEnvelope(t MessageType, sender string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal %s content: %w", t, err)
	}
	b, err := json.Marshal(Envelope{Type: t, Content: raw, Sender: sender})
	if err != nil {
		return "", fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	return string(b), nil
}

func Join(sender string, c JoinContent) (string, error) {
	return NewEnvelope(MessageTypeJoin, sender, c)
}

func Leave(sender string) (string, error) {
	return NewEnvelope(MessageTypeLeave, sender, LeaveContent{UserID: sender})
}

func CodeUpdate(sender, code string) (string, error) {
	return NewEnvelope(MessageTypeCodeUpdate, sender, CodeUpdateContent{Code: code})
}

// Parses a document topic message and checks its type
func ParseEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeCodeUpdate:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
	if len(env.Content) == 0 {
		return Envelope{}, fmt.Errorf("%w: %s without content", ErrMalformedMessage, env.Type)
	}
	return env, nil
}

// Decodes the envelope content into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrMalformedMessage, e.Type, err)
	}
	return nil
}

// Marshals a cursor message for the cursor topic
func EncodeCursor(msg CursorMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return string(b), nil
}

// Parses a cursor topic message
func ParseCursor(payload string) (CursorMessage, error) {
	var msg CursorMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return CursorMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.UserID == "" {
		return CursorMessage{}, fmt.Errorf("%w: cursor without userId", ErrMalformedMessage)
	}
	return msg, nil
}

// Represents the operation of a relay frame
type RelayOp string

const (
	RelayOpSubscribe   RelayOp = "sub"
	RelayOpUnsubscribe RelayOp = "unsub"
	RelayOpPublish     RelayOp = "pub"

	// Sent by the relay to deliver a publish to a subscriber
	RelayOpMessage RelayOp = "msg"
)

// RelayFrame is the JSON text frame exchanged with the relay server over a
// websocket.
type RelayFrame struct {
	Op      RelayOp `json:"op"`
	Topic   string  `json:"topic"`
	Payload string  `json:"payload,omitempty"`
}

// Parses and checks a relay frame
func ParseRelayFrame(data []byte) (RelayFrame, error) {
	var f RelayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return RelayFrame{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch f.Op {
	case RelayOpSubscribe, RelayOpUnsubscribe, RelayOpPublish, RelayOpMessage:
	default:
		return RelayFrame{}, fmt.Errorf("%w: unknown op %q", ErrMalformedMessage, f.Op)
	}
	if f.Topic == "" {
		return RelayFrame{}, fmt.Errorf("%w: %s without topic", ErrMalformedMessage, f.Op)
	}
	return f, nil
}
