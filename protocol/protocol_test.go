package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"reflect"
	"testing"
	"time"
)

func mustEncode(t *testing.T, msg *Message) []byte {
	t.Helper()
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return frame
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	commands := []Command{
		Ping{},
		Pong{},
		Handshake{PeerID: "peer-a", Name: "alice", Version: Version},
		HandshakeAck{PeerID: "peer-b", Name: "bob", Version: Version},
		AuthRequest{Token: "dGVzdC10b2tlbg"},
		AuthResponse{Success: true, Message: "authenticated"},
		SessionAnnounce{
			PeerID:      "peer-a",
			PeerName:    "alice",
			SessionID:   "sess-1",
			SessionName: "refactor",
			Role:        "driver",
			WorkingDir:  "/src/project",
		},
		SessionEnd{SessionID: "sess-1"},
		Who{},
		WhoResponse{Sessions: []SessionInfo{{
			PeerID:    "peer-b",
			PeerName:  "bob",
			SessionID: "sess-2",
			Role:      "observer",
		}}},
		ChatMessage{
			FromPeer:    "peer-a",
			FromSession: "sess-1",
			ToPeer:      "peer-b",
			ToSession:   "sess-2",
			Content:     "hello",
			Timestamp:   1700000000,
		},
		MessageAck{MessageID: "msg-9"},
		Broadcast{FromPeer: "peer-a", FromSession: "sess-1", Content: "hi all", Timestamp: 1700000001},
		ShareInfo{SharedPaths: []string{"/src/project", "/docs"}},
		ShareRequest{Path: "/docs"},
		Disconnect{},
		ErrorCommand{Code: "auth_failed", Message: "invalid token"},
	}

	for _, cmd := range commands {
		msg := NewMessage(cmd)
		frame := mustEncode(t, msg)

		decoded, consumed, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s): %v", cmd.CommandType(), err)
		}
		if consumed != len(frame) {
			t.Errorf("Decode(%s) consumed %d bytes, want %d", cmd.CommandType(), consumed, len(frame))
		}
		if !reflect.DeepEqual(decoded, msg) {
			t.Errorf("round trip %s:\n got %#v\nwant %#v", cmd.CommandType(), decoded, msg)
		}
	}
}

func TestNewMessagePopulatesEnvelope(t *testing.T) {
	before := time.Now().Unix()
	first := NewMessage(Ping{})
	second := NewMessage(Ping{})

	if first.ID == "" {
		t.Fatal("message id is empty")
	}
	if first.ID == second.ID {
		t.Errorf("consecutive messages share id %q", first.ID)
	}
	if first.Timestamp < before {
		t.Errorf("timestamp %d earlier than %d", first.Timestamp, before)
	}
}

func TestWireFormat(t *testing.T) {
	msg := NewMessage(Handshake{PeerID: "peer-a", Name: "alice", Version: Version})
	frame := mustEncode(t, msg)

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(frame[4:], &wire); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	for _, key := range []string{"id", "type", "command", "timestamp"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("payload missing %q field", key)
		}
	}

	var typ string
	if err := json.Unmarshal(wire["type"], &typ); err != nil {
		t.Fatalf("unmarshal type: %v", err)
	}
	if typ != TypeHandshake {
		t.Errorf("type = %q, want %q", typ, TypeHandshake)
	}

	var body map[string]any
	if err := json.Unmarshal(wire["command"], &body); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if body["peer_id"] != "peer-a" {
		t.Errorf("peer_id = %v, want peer-a", body["peer_id"])
	}
}

func TestEncodeNilCommand(t *testing.T) {
	if _, err := Encode(&Message{ID: "x"}); !errors.Is(err, ErrNilCommand) {
		t.Fatalf("err = %v, want ErrNilCommand", err)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	msg, consumed, err := Decode([]byte{0x00, 0x00})
	if !errors.Is(err, ErrHeaderTooShort) {
		t.Fatalf("err = %v, want ErrHeaderTooShort", err)
	}
	if msg != nil || consumed != 0 {
		t.Errorf("got msg=%v consumed=%d, want nil and 0", msg, consumed)
	}
}

func TestDecodeIncompleteFrameThenComplete(t *testing.T) {
	frame := mustEncode(t, NewMessage(Ping{}))

	for cut := 4; cut < len(frame); cut++ {
		msg, consumed, err := Decode(frame[:cut])
		if !errors.Is(err, ErrIncompleteFrame) {
			t.Fatalf("Decode(%d bytes): err = %v, want ErrIncompleteFrame", cut, err)
		}
		if msg != nil || consumed != 0 {
			t.Fatalf("Decode(%d bytes) consumed %d, want 0", cut, consumed)
		}
	}

	// Same buffer with the remainder appended must now decode cleanly.
	msg, consumed, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode(full frame): %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("consumed %d, want %d", consumed, len(frame))
	}
	if _, ok := msg.Command.(Ping); !ok {
		t.Errorf("command = %T, want Ping", msg.Command)
	}
}

func TestDecodeBackToBackFrames(t *testing.T) {
	first := mustEncode(t, NewMessage(Who{}))
	second := mustEncode(t, NewMessage(Disconnect{}))
	buf := append(append([]byte{}, first...), second...)

	msg, consumed, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if _, ok := msg.Command.(Who); !ok {
		t.Fatalf("first command = %T, want Who", msg.Command)
	}
	if consumed != len(first) {
		t.Fatalf("first consumed %d, want %d", consumed, len(first))
	}

	msg, consumed, err = Decode(buf[consumed:])
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if _, ok := msg.Command.(Disconnect); !ok {
		t.Errorf("second command = %T, want Disconnect", msg.Command)
	}
	if consumed != len(second) {
		t.Errorf("second consumed %d, want %d", consumed, len(second))
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)

	if _, _, err := Decode(header); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeInvalidEncoding(t *testing.T) {
	body := []byte{0xff, 0xfe, 0xfd}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, _, err := Decode(frame); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("err = %v, want ErrInvalidEncoding", err)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	body := []byte(`{"id":"x","type":`)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, _, err := Decode(frame); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	body := []byte(`{"id":"x","type":"teleport","command":{},"timestamp":1}`)
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, _, err := Decode(frame); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	sent := NewMessage(ChatMessage{FromPeer: "peer-a", Content: "over the stream"})

	if err := WriteMessage(&buf, sent); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !reflect.DeepEqual(got, sent) {
		t.Errorf("got %#v, want %#v", got, sent)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left unread", buf.Len())
	}
}

func TestReadMessageTruncatedStream(t *testing.T) {
	frame := mustEncode(t, NewMessage(Ping{}))

	if _, err := ReadMessage(bytes.NewReader(frame[:len(frame)-3])); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestReadMessageWithTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadMessageWithTimeout(server, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
