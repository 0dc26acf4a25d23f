package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Version is the advisory protocol version exchanged during handshake.
	// No version gating is enforced yet; peers report it for diagnostics.
	Version = "1.0.0"
	// DefaultPort is the well-known TCP port for peer transport.
	DefaultPort = 9753
)

const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeHandshake       = "handshake"
	TypeHandshakeAck    = "handshake_ack"
	TypeAuthRequest     = "auth_request"
	TypeAuthResponse    = "auth_response"
	TypeSessionAnnounce = "session_announce"
	TypeSessionEnd      = "session_end"
	TypeWho             = "who"
	TypeWhoResponse     = "who_response"
	TypeMessage         = "message"
	TypeMessageAck      = "message_ack"
	TypeBroadcast       = "broadcast"
	TypeShareInfo       = "share_info"
	TypeShareRequest    = "share_request"
	TypeDisconnect      = "disconnect"
	TypeError           = "error"
)

// Command is one protocol operation carried inside a Message envelope.
type Command interface {
	CommandType() string
}

// Ping is a keep-alive probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Handshake announces peer identity on a fresh connection.
type Handshake struct {
	PeerID  string `json:"peer_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HandshakeAck confirms a handshake with the responder's identity.
type HandshakeAck struct {
	PeerID  string `json:"peer_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AuthRequest presents a bearer token for connection authentication.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse reports the outcome of an AuthRequest.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SessionAnnounce advertises a collaboration session hosted by a peer.
type SessionAnnounce struct {
	PeerID      string `json:"peer_id"`
	PeerName    string `json:"peer_name"`
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	Role        string `json:"role"`
	WorkingDir  string `json:"working_dir"`
}

// SessionEnd withdraws a previously announced session.
type SessionEnd struct {
	SessionID string `json:"session_id"`
}

// Who requests the responder's known session list.
type Who struct{}

// SessionInfo describes one announced session in a WhoResponse.
type SessionInfo struct {
	PeerID      string `json:"peer_id"`
	PeerName    string `json:"peer_name"`
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	Role        string `json:"role"`
	WorkingDir  string `json:"working_dir"`
}

// WhoResponse lists sessions known to the responder.
type WhoResponse struct {
	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// ChatMessage is directed session-to-session traffic.
type ChatMessage struct {
	FromPeer    string `json:"from_peer"`
	FromSession string `json:"from_session"`
	ToPeer      string `json:"to_peer"`
	ToSession   string `json:"to_session"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// MessageAck confirms delivery of a ChatMessage by envelope id.
type MessageAck struct {
	MessageID string `json:"message_id"`
}

// Broadcast is traffic fanned out to every connected peer.
type Broadcast struct {
	FromPeer    string `json:"from_peer"`
	FromSession string `json:"from_session"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// ShareInfo advertises paths a peer is willing to share.
type ShareInfo struct {
	SharedPaths []string `json:"shared_paths,omitempty"`
}

// ShareRequest asks a peer for one of its shared paths.
type ShareRequest struct {
	Path string `json:"path"`
}

// Disconnect signals a graceful connection shutdown.
type Disconnect struct{}

// ErrorCommand reports a protocol-level failure to the remote side.
type ErrorCommand struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Ping) CommandType() string            { return TypePing }
func (Pong) CommandType() string            { return TypePong }
func (Handshake) CommandType() string       { return TypeHandshake }
func (HandshakeAck) CommandType() string    { return TypeHandshakeAck }
func (AuthRequest) CommandType() string     { return TypeAuthRequest }
func (AuthResponse) CommandType() string    { return TypeAuthResponse }
func (SessionAnnounce) CommandType() string { return TypeSessionAnnounce }
func (SessionEnd) CommandType() string      { return TypeSessionEnd }
func (Who) CommandType() string             { return TypeWho }
func (WhoResponse) CommandType() string     { return TypeWhoResponse }
func (ChatMessage) CommandType() string     { return TypeMessage }
func (MessageAck) CommandType() string      { return TypeMessageAck }
func (Broadcast) CommandType() string       { return TypeBroadcast }
func (ShareInfo) CommandType() string       { return TypeShareInfo }
func (ShareRequest) CommandType() string    { return TypeShareRequest }
func (Disconnect) CommandType() string      { return TypeDisconnect }
func (ErrorCommand) CommandType() string    { return TypeError }

// Message is the wire envelope: a unique id, one command, and a Unix-seconds
// timestamp. Immutable once constructed.
type Message struct {
	ID        string
	Command   Command
	Timestamp int64
}

// NewMessage wraps a command in a fresh envelope.
func NewMessage(cmd Command) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Command:   cmd,
		Timestamp: time.Now().Unix(),
	}
}

type wireMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Command   json.RawMessage `json:"command,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON encodes the envelope with the command variant tagged by type.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Command == nil {
		return nil, ErrNilCommand
	}

	body, err := json.Marshal(m.Command)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", m.Command.CommandType(), err)
	}

	return json.Marshal(wireMessage{
		ID:        m.ID,
		Type:      m.Command.CommandType(),
		Command:   body,
		Timestamp: m.Timestamp,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the tagged command variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	cmd, err := decodeCommand(wire.Type, wire.Command)
	if err != nil {
		return err
	}

	m.ID = wire.ID
	m.Command = cmd
	m.Timestamp = wire.Timestamp
	return nil
}

func decodeCommand(commandType string, raw json.RawMessage) (Command, error) {
	unmarshal := func(target Command) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, target)
	}

	switch commandType {
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeHandshake:
		var cmd Handshake
		err := unmarshal(&cmd)
		return cmd, err
	case TypeHandshakeAck:
		var cmd HandshakeAck
		err := unmarshal(&cmd)
		return cmd, err
	case TypeAuthRequest:
		var cmd AuthRequest
		err := unmarshal(&cmd)
		return cmd, err
	case TypeAuthResponse:
		var cmd AuthResponse
		err := unmarshal(&cmd)
		return cmd, err
	case TypeSessionAnnounce:
		var cmd SessionAnnounce
		err := unmarshal(&cmd)
		return cmd, err
	case TypeSessionEnd:
		var cmd SessionEnd
		err := unmarshal(&cmd)
		return cmd, err
	case TypeWho:
		return Who{}, nil
	case TypeWhoResponse:
		var cmd WhoResponse
		err := unmarshal(&cmd)
		return cmd, err
	case TypeMessage:
		var cmd ChatMessage
		err := unmarshal(&cmd)
		return cmd, err
	case TypeMessageAck:
		var cmd MessageAck
		err := unmarshal(&cmd)
		return cmd, err
	case TypeBroadcast:
		var cmd Broadcast
		err := unmarshal(&cmd)
		return cmd, err
	case TypeShareInfo:
		var cmd ShareInfo
		err := unmarshal(&cmd)
		return cmd, err
	case TypeShareRequest:
		var cmd ShareRequest
		err := unmarshal(&cmd)
		return cmd, err
	case TypeDisconnect:
		return Disconnect{}, nil
	case TypeError:
		var cmd ErrorCommand
		err := unmarshal(&cmd)
		return cmd, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}
}
