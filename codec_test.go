package wsmessaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/coder/websocket"
)

func TestCodec_Encode(t *testing.T) {
	frame, err := Codec{}.Encode(BrokerMessage{
		Subject: "x",
		Body:    []byte("hi"),
	})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if frame.Type != websocket.MessageText {
		t.Errorf("Type = %v, want MessageText", frame.Type)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(frame.Data, &parsed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if parsed["subject"] != "x" {
		t.Errorf("subject = %v, want x", parsed["subject"])
	}
	if parsed["body"] != "aGk=" {
		t.Errorf("body = %v, want aGk=", parsed["body"])
	}
	replyTo, ok := parsed["reply_to"]
	if !ok {
		t.Fatal("reply_to key missing")
	}
	if replyTo != nil {
		t.Errorf("reply_to = %v, want null", replyTo)
	}
}

func TestCodec_Encode_ReplyTo(t *testing.T) {
	frame, err := Codec{}.Encode(BrokerMessage{Subject: "s", ReplyTo: "sess-1"})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(frame.Data, &parsed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if parsed["reply_to"] != "sess-1" {
		t.Errorf("reply_to = %v, want sess-1", parsed["reply_to"])
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	messages := []BrokerMessage{
		{Subject: "x", Body: []byte("hi")},
		{Subject: "", Body: []byte{}},
		{Subject: "a.b.c", Body: []byte{0, 1, 2, 255}, ReplyTo: "_INBOX.123"},
		{Subject: "unicode ✓", Body: []byte("héllo"), ReplyTo: "sess"},
	}
	for i := 0; i < 50; i++ {
		body := make([]byte, rng.Intn(512))
		rng.Read(body)
		messages = append(messages, BrokerMessage{Subject: "rand", Body: body})
	}

	codec := Codec{}
	for i, msg := range messages {
		frame, err := codec.Encode(msg)
		if err != nil {
			t.Fatalf("[%d] encode error: %v", i, err)
		}
		got, err := codec.Decode(frame, "ignored")
		if err != nil {
			t.Fatalf("[%d] decode error: %v", i, err)
		}
		if got.Subject != msg.Subject {
			t.Errorf("[%d] Subject = %q, want %q", i, got.Subject, msg.Subject)
		}
		if !bytes.Equal(got.Body, msg.Body) {
			t.Errorf("[%d] Body = %v, want %v", i, got.Body, msg.Body)
		}
		if got.ReplyTo != msg.ReplyTo {
			t.Errorf("[%d] ReplyTo = %q, want %q", i, got.ReplyTo, msg.ReplyTo)
		}
	}
}

func TestCodec_Decode_InvalidBase64(t *testing.T) {
	bodies := []string{"!!!", "aGVsbG8", "a", "====", "aGk=aGk=", "not base64 at all"}

	for _, body := range bodies {
		data, _ := json.Marshal(map[string]string{"subject": "s", "body": body})
		_, err := Codec{}.Decode(Frame{Type: websocket.MessageText, Data: data}, "sess")
		if err == nil {
			t.Errorf("body %q: expected error", body)
			continue
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("body %q: expected DecodeError, got %T", body, err)
			continue
		}
		if decodeErr.Reason != DecodeInvalidBase64 {
			t.Errorf("body %q: Reason = %s, want invalid_base64", body, decodeErr.Reason)
		}
	}
}

func TestCodec_Decode_PlainText(t *testing.T) {
	msg, err := Codec{}.Decode(TextFrame("hello there"), "sess-9")
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg.Subject != DefaultTextSubject {
		t.Errorf("Subject = %s, want %s", msg.Subject, DefaultTextSubject)
	}
	if string(msg.Body) != "hello there" {
		t.Errorf("Body = %s, want hello there", msg.Body)
	}
	if msg.ReplyTo != "sess-9" {
		t.Errorf("ReplyTo = %s, want sess-9", msg.ReplyTo)
	}
}

func TestCodec_Decode_NonObjectJSON(t *testing.T) {
	for _, text := range []string{"42", `"quoted"`, "[1,2]", "null", "{broken"} {
		msg, err := Codec{}.Decode(TextFrame(text), "sess")
		if err != nil {
			t.Errorf("%q: decode error: %v", text, err)
			continue
		}
		if msg.Subject != DefaultTextSubject {
			t.Errorf("%q: Subject = %s, want %s", text, msg.Subject, DefaultTextSubject)
		}
		if string(msg.Body) != text {
			t.Errorf("%q: Body = %s", text, msg.Body)
		}
	}
}

func TestCodec_Decode_CustomSubjects(t *testing.T) {
	codec := Codec{TextSubject: "txt", BinarySubject: "bin", DefaultSubject: "dflt"}

	msg, _ := codec.Decode(TextFrame("plain"), "s")
	if msg.Subject != "txt" {
		t.Errorf("text Subject = %s, want txt", msg.Subject)
	}

	msg, _ = codec.Decode(Frame{Type: websocket.MessageBinary, Data: []byte{0xff, 0xfe}}, "s")
	if msg.Subject != "bin" {
		t.Errorf("binary Subject = %s, want bin", msg.Subject)
	}

	msg, _ = codec.Decode(TextFrame(`{"body":"aGk="}`), "s")
	if msg.Subject != "dflt" {
		t.Errorf("json Subject = %s, want dflt", msg.Subject)
	}
}

func TestCodec_Decode_BinaryUTF8(t *testing.T) {
	frame := Frame{Type: websocket.MessageBinary, Data: []byte(`{"subject":"s","body":"aGVsbG8=","reply_to":null}`)}
	msg, err := Codec{}.Decode(frame, "sess")
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg.Subject != "s" || string(msg.Body) != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.ReplyTo != "" {
		t.Errorf("ReplyTo = %q, want empty", msg.ReplyTo)
	}
}

func TestCodec_Decode_BinaryRaw(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	msg, err := Codec{}.Decode(Frame{Type: websocket.MessageBinary, Data: data}, "sess-2")
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg.Subject != DefaultBinarySubject {
		t.Errorf("Subject = %s, want %s", msg.Subject, DefaultBinarySubject)
	}
	if !bytes.Equal(msg.Body, data) {
		t.Errorf("Body = %v, want %v", msg.Body, data)
	}
	if msg.ReplyTo != "sess-2" {
		t.Errorf("ReplyTo = %s, want sess-2", msg.ReplyTo)
	}
}

func TestCodec_Decode_ByteArrayBody(t *testing.T) {
	msg, err := Codec{}.Decode(TextFrame(`{"subject":"s","body":[104,105]}`), "sess")
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if string(msg.Body) != "hi" {
		t.Errorf("Body = %s, want hi", msg.Body)
	}

	_, err = Codec{}.Decode(TextFrame(`{"subject":"s","body":[300]}`), "sess")
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.Reason != DecodeInvalidBody {
		t.Errorf("err = %v, want invalid_body DecodeError", err)
	}
}

func TestCodec_Decode_MissingBody(t *testing.T) {
	text := `{"subject":"only"}`
	msg, err := Codec{}.Decode(TextFrame(text), "sess")
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg.Subject != "only" {
		t.Errorf("Subject = %s, want only", msg.Subject)
	}
	if string(msg.Body) != text {
		t.Errorf("Body = %s, want raw frame", msg.Body)
	}
}

func TestBrokerMessage_Clone(t *testing.T) {
	orig := BrokerMessage{Subject: "s", Body: []byte("abc"), ReplyTo: "r"}
	clone := orig.Clone()
	clone.Body[0] = 'z'

	if string(orig.Body) != "abc" {
		t.Errorf("original body mutated: %s", orig.Body)
	}
	if clone.Subject != "s" || clone.ReplyTo != "r" {
		t.Errorf("clone = %+v", clone)
	}
}
