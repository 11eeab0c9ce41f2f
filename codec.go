package wsmessaging

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// Default subjects used when an inbound frame does not carry one.
const (
	DefaultSubject       = "default"
	DefaultTextSubject   = "message"
	DefaultBinarySubject = "binary.message"
)

// BrokerMessage is the transport-agnostic message unit.
// An empty ReplyTo means the message carries no reply address.
type BrokerMessage struct {
	Subject string
	Body    []byte
	ReplyTo string
}

// Clone returns a deep copy of the message.
func (m BrokerMessage) Clone() BrokerMessage {
	out := m
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return out
}

// Frame is a single WebSocket data frame.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// TextFrame returns a text frame holding s.
func TextFrame(s string) Frame {
	return Frame{Type: websocket.MessageText, Data: []byte(s)}
}

// wireMessage is the JSON form of a BrokerMessage.
type wireMessage struct {
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	ReplyTo *string `json:"reply_to"`
}

// inboundWireMessage tolerates missing fields and byte-array bodies.
type inboundWireMessage struct {
	Subject *string         `json:"subject"`
	Body    json.RawMessage `json:"body"`
	ReplyTo *string         `json:"reply_to"`
}

// Codec converts between BrokerMessage and WebSocket frames.
// The zero value is ready to use and falls back to the package defaults.
type Codec struct {
	// DefaultSubject is used for JSON frames without a subject.
	DefaultSubject string
	// TextSubject is used for plain-text frames that are not JSON objects.
	TextSubject string
	// BinarySubject is used for binary frames that are not valid UTF-8.
	BinarySubject string
}

// Encode serializes msg into a JSON text frame with a base64 body.
func (c Codec) Encode(msg BrokerMessage) (Frame, error) {
	w := wireMessage{
		Subject: msg.Subject,
		Body:    base64.StdEncoding.EncodeToString(msg.Body),
	}
	if msg.ReplyTo != "" {
		replyTo := msg.ReplyTo
		w.ReplyTo = &replyTo
	}

	data, err := json.Marshal(w)
	if err != nil {
		return Frame{}, &EncodeError{Subject: msg.Subject, Err: err}
	}
	return Frame{Type: websocket.MessageText, Data: data}, nil
}

// Decode parses a frame into a BrokerMessage.
//
// Frames that are not JSON objects are treated as a bare body: the subject is
// TextSubject (or BinarySubject for non UTF-8 data) and ReplyTo is set to
// fallbackSessionID. JSON frames keep their reply_to as sent.
func (c Codec) Decode(f Frame, fallbackSessionID string) (BrokerMessage, error) {
	trimmed := bytes.TrimSpace(f.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return c.decodeRaw(f, fallbackSessionID), nil
	}

	var w inboundWireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return c.decodeRaw(f, fallbackSessionID), nil
	}

	msg := BrokerMessage{Subject: c.defaultSubject()}
	if w.Subject != nil {
		msg.Subject = *w.Subject
	}
	if w.ReplyTo != nil {
		msg.ReplyTo = *w.ReplyTo
	}

	body, err := decodeBody(w.Body, f.Data)
	if err != nil {
		return BrokerMessage{}, err
	}
	msg.Body = body

	return msg, nil
}

func (c Codec) decodeRaw(f Frame, fallbackSessionID string) BrokerMessage {
	subject := c.textSubject()
	if f.Type == websocket.MessageBinary && !utf8.Valid(f.Data) {
		subject = c.binarySubject()
	}
	return BrokerMessage{
		Subject: subject,
		Body:    append([]byte(nil), f.Data...),
		ReplyTo: fallbackSessionID,
	}
}

// decodeBody accepts a base64 string or an array of byte values.
// A missing or null body falls back to the raw frame.
func decodeBody(raw json.RawMessage, frame []byte) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return append([]byte(nil), frame...), nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &DecodeError{Reason: DecodeInvalidBase64, Err: err}
		}
		body, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &DecodeError{Reason: DecodeInvalidBase64, Err: err}
		}
		return body, nil
	case '[':
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return nil, &DecodeError{Reason: DecodeInvalidBody, Err: err}
		}
		values := make([]byte, 0, len(ints))
		for _, n := range ints {
			if n < 0 || n > 255 {
				return nil, &DecodeError{Reason: DecodeInvalidBody, Err: errors.New("byte value out of range")}
			}
			values = append(values, byte(n))
		}
		return values, nil
	default:
		return nil, &DecodeError{Reason: DecodeInvalidBody, Err: errors.New("body is neither a string nor a byte array")}
	}
}

func (c Codec) defaultSubject() string {
	if c.DefaultSubject != "" {
		return c.DefaultSubject
	}
	return DefaultSubject
}

func (c Codec) textSubject() string {
	if c.TextSubject != "" {
		return c.TextSubject
	}
	return DefaultTextSubject
}

func (c Codec) binarySubject() string {
	if c.BinarySubject != "" {
		return c.BinarySubject
	}
	return DefaultBinarySubject
}
