package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"agentmesh/protocol"
)

// ErrAuthRejected indicates the remote answered AuthResponse{success:false}.
var ErrAuthRejected = errors.New("network: authentication rejected")

// DialOptions configures an outbound connection.
type DialOptions struct {
	LocalPeerID   string
	LocalPeerName string

	// TLSConfig enables TLS on the dialed socket when non-nil. Use the
	// pinned client config from the crypto package; the insecure variant
	// must be chosen deliberately in code.
	TLSConfig *tls.Config

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	return out
}

func (o DialOptions) validate() error {
	if o.LocalPeerID == "" {
		return errors.New("local peer ID is required")
	}
	if o.LocalPeerName == "" {
		return errors.New("local peer name is required")
	}
	return nil
}

func (o DialOptions) connOptions() ConnOptions {
	return ConnOptions{
		LocalPeerID:       o.LocalPeerID,
		LocalPeerName:     o.LocalPeerName,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		AutoRespondPing:   o.AutoRespondPing,
	}
}

// Dial connects to a peer and performs the handshake exchange. The
// returned connection is open and serving its loops; use DialAndAuth
// when the remote requires token authentication.
func Dial(address string, options DialOptions) (*Conn, error) {
	conn, err := dialHandshake(address, options.withDefaults())
	if err != nil {
		return nil, err
	}

	if err := conn.socket.SetDeadline(time.Time{}); err != nil {
		_ = conn.socket.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	conn.open()
	return conn, nil
}

// DialAndAuth connects, handshakes, presents the bearer token, and
// blocks until AuthResponse arrives or the connection closes. The
// connection is returned open only on success.
func DialAndAuth(address, token string, options DialOptions) (*Conn, error) {
	opts := options.withDefaults()
	conn, err := dialHandshake(address, opts)
	if err != nil {
		return nil, err
	}

	conn.setState(StateAuthenticating)
	if err := protocol.WriteMessage(conn.socket, protocol.NewMessage(protocol.AuthRequest{Token: token})); err != nil {
		_ = conn.socket.Close()
		return nil, fmt.Errorf("send auth request: %w", err)
	}

	reply, err := protocol.ReadMessageWithTimeout(conn.socket, opts.ConnectTimeout)
	if err != nil {
		_ = conn.socket.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	switch cmd := reply.Command.(type) {
	case protocol.AuthResponse:
		if !cmd.Success {
			_ = conn.socket.Close()
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, cmd.Message)
		}
	case protocol.ErrorCommand:
		_ = conn.socket.Close()
		return nil, fmt.Errorf("network: remote error [%s]: %s", cmd.Code, cmd.Message)
	default:
		_ = conn.socket.Close()
		return nil, fmt.Errorf("network: expected %q, got %q",
			protocol.TypeAuthResponse, reply.Command.CommandType())
	}
	conn.markAuthenticated()

	if err := conn.socket.SetDeadline(time.Time{}); err != nil {
		_ = conn.socket.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	conn.open()
	return conn, nil
}

// dialHandshake establishes the socket and runs the handshake exchange
// under a deadline. The returned connection has not started its loops
// and still carries the deadline.
func dialHandshake(address string, opts DialOptions) (*Conn, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	socket, err := net.DialTimeout("tcp", address, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	if opts.TLSConfig != nil {
		socket = tls.Client(socket, opts.TLSConfig)
	}

	if err := socket.SetDeadline(time.Now().Add(opts.ConnectTimeout)); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	conn := newConn(socket, opts.connOptions())
	conn.setState(StateHandshaking)

	if err := protocol.WriteMessage(socket, protocol.NewMessage(protocol.Handshake{
		PeerID:  opts.LocalPeerID,
		Name:    opts.LocalPeerName,
		Version: protocol.Version,
	})); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	reply, err := protocol.ReadMessageWithTimeout(socket, opts.ConnectTimeout)
	if err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("read handshake ack: %w", err)
	}
	switch cmd := reply.Command.(type) {
	case protocol.HandshakeAck:
		conn.setPeer(cmd.PeerID, cmd.Name, cmd.Version)
	case protocol.ErrorCommand:
		_ = socket.Close()
		return nil, fmt.Errorf("network: remote error [%s]: %s", cmd.Code, cmd.Message)
	default:
		_ = socket.Close()
		return nil, fmt.Errorf("network: expected %q, got %q",
			protocol.TypeHandshakeAck, reply.Command.CommandType())
	}

	return conn, nil
}
