package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

const (
	// MaxFrameSize bounds the JSON payload of a single frame. Frames
	// claiming more are rejected before any allocation.
	MaxFrameSize = 10 * 1024 * 1024

	frameHeaderSize = 4
)

var (
	ErrNilCommand       = errors.New("protocol: message has no command")
	ErrHeaderTooShort   = errors.New("protocol: buffer shorter than frame header")
	ErrIncompleteFrame  = errors.New("protocol: frame body incomplete")
	ErrFrameTooLarge    = errors.New("protocol: frame exceeds maximum size")
	ErrInvalidEncoding  = errors.New("protocol: frame payload is not valid UTF-8")
	ErrMalformedMessage = errors.New("protocol: malformed message payload")
	ErrUnknownCommand   = errors.New("protocol: unknown command type")
)

// Encode serializes a message into a length-prefixed frame: a 4-byte
// big-endian payload length followed by the JSON payload.
func Encode(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// Decode parses one frame from the front of buf and reports how many bytes
// it consumed. On any error nothing is consumed, so callers accumulating a
// stream can retry the identical buffer once more bytes arrive.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, ErrHeaderTooShort
	}

	length := binary.BigEndian.Uint32(buf[:frameHeaderSize])
	if length > MaxFrameSize {
		return nil, 0, ErrFrameTooLarge
	}
	total := frameHeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrIncompleteFrame
	}

	msg, err := decodeBody(buf[frameHeaderSize:total])
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func decodeBody(body []byte) (*Message, error) {
	if !utf8.Valid(body) {
		return nil, ErrInvalidEncoding
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// WriteMessage encodes msg and writes the full frame to w.
func WriteMessage(w io.Writer, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r and decodes it.
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodeBody(body)
}

// ReadMessageWithTimeout reads one frame, failing if the whole frame has not
// arrived before the timeout elapses. A zero timeout reads without deadline.
func ReadMessageWithTimeout(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	return ReadMessage(conn)
}
