package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentmesh/protocol"
)

const (
	// DefaultConnectTimeout bounds dialing plus handshake and auth.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultKeepAliveInterval is how long a connection may sit idle
	// before a ping probes it.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout is how long to wait for the matching pong.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds a single blocking frame read so a
	// stalled peer cannot pin the read loop forever.
	DefaultFrameReadTimeout = 60 * time.Second
)

var (
	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("network: connection closed")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnState is the lifecycle state of one peer connection.
type ConnState string

const (
	StateConnecting     ConnState = "CONNECTING"
	StateHandshaking    ConnState = "HANDSHAKING"
	StateAuthenticating ConnState = "AUTHENTICATING"
	StateOpen           ConnState = "OPEN"
	StateClosing        ConnState = "CLOSING"
	StateClosed         ConnState = "CLOSED"
	StateError          ConnState = "ERROR"
)

// ConnOptions controls runtime behavior of a Conn.
type ConnOptions struct {
	LocalPeerID   string
	LocalPeerName string

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o ConnOptions) withDefaults() ConnOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o ConnOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

// Conn is one framed peer session. It is created in StateConnecting,
// walked through handshake and optional authentication by the server or
// dialer, and serves traffic only after open() starts its loops.
type Conn struct {
	id     string
	socket net.Conn

	localPeerID   string
	localPeerName string

	peerMu        sync.RWMutex
	peerID        string
	peerName      string
	peerVersion   string
	authenticated bool
	sharedPaths   []string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	awaitMu sync.Mutex
	awaited map[string]chan *protocol.Message

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan *protocol.Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(socket net.Conn, options ConnOptions) *Conn {
	opts := options.withDefaults()

	c := &Conn{
		id:                uuid.NewString(),
		socket:            socket,
		localPeerID:       opts.LocalPeerID,
		localPeerName:     opts.LocalPeerName,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		frameReadTimeout:  opts.FrameReadTimeout,
		autoRespondPing:   opts.autoRespondPingEnabled(),
		awaited:           make(map[string]chan *protocol.Message),
		inbound:           make(chan *protocol.Message, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}
	c.touchActivity()
	return c
}

// open transitions the connection to OPEN and starts its loops. Called
// exactly once, after handshake (and auth, when required) has finished.
func (c *Conn) open() {
	c.setState(StateOpen)
	go c.readLoop()
	go c.keepAliveLoop()
}

// ID returns the unique connection id.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection reaches a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// RemoteAddr returns the remote endpoint of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr {
	return c.socket.RemoteAddr()
}

// PeerID returns the remote peer id learned during handshake.
func (c *Conn) PeerID() string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerID
}

// PeerName returns the remote peer name learned during handshake.
func (c *Conn) PeerName() string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerName
}

// PeerVersion returns the advisory protocol version the peer reported.
func (c *Conn) PeerVersion() string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerVersion
}

// Authenticated reports whether the connection has passed token auth.
func (c *Conn) Authenticated() bool {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.authenticated
}

// SharedPaths returns the paths the peer advertised via ShareInfo.
func (c *Conn) SharedPaths() []string {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return append([]string(nil), c.sharedPaths...)
}

func (c *Conn) setPeer(id, name, version string) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.peerID = id
	c.peerName = name
	c.peerVersion = version
}

func (c *Conn) markAuthenticated() {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.authenticated = true
}

func (c *Conn) setSharedPaths(paths []string) {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	c.sharedPaths = append([]string(nil), paths...)
}

// Send wraps a command in a fresh envelope and writes it as one frame.
func (c *Conn) Send(cmd protocol.Command) error {
	return c.SendMessage(protocol.NewMessage(cmd))
}

// SendMessage writes a message as one frame. Concurrent sends are
// serialized so frames never interleave.
func (c *Conn) SendMessage(msg *protocol.Message) error {
	select {
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrConnClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteMessage(c.socket, msg); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	c.touchActivity()
	return nil
}

// Receive waits for the next inbound message that no handler or waiter
// claimed internally.
func (c *Conn) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends a command and waits for the next inbound message of the
// given command type. Only one request per reply type may be in flight.
func (c *Conn) Request(cmd protocol.Command, replyType string, timeout time.Duration) (*protocol.Message, error) {
	waiter := make(chan *protocol.Message, 1)

	c.awaitMu.Lock()
	if _, exists := c.awaited[replyType]; exists {
		c.awaitMu.Unlock()
		return nil, fmt.Errorf("network: request for %q already in flight", replyType)
	}
	c.awaited[replyType] = waiter
	c.awaitMu.Unlock()
	defer func() {
		c.awaitMu.Lock()
		if c.awaited[replyType] == waiter {
			delete(c.awaited, replyType)
		}
		c.awaitMu.Unlock()
	}()

	if err := c.Send(cmd); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-waiter:
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("network: timed out waiting for %q", replyType)
	case <-c.closed:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrConnClosed
	}
}

// deliverAwaited hands msg to a pending Request waiter, reporting whether
// one claimed it.
func (c *Conn) deliverAwaited(msg *protocol.Message) bool {
	c.awaitMu.Lock()
	waiter, ok := c.awaited[msg.Command.CommandType()]
	if ok {
		delete(c.awaited, msg.Command.CommandType())
	}
	c.awaitMu.Unlock()
	if !ok {
		return false
	}
	waiter <- msg
	return true
}

// Disconnect announces a graceful shutdown and closes the connection.
func (c *Conn) Disconnect() error {
	c.setState(StateClosing)
	_ = c.Send(protocol.Disconnect{})
	return c.Close()
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		msg, err := protocol.ReadMessageWithTimeout(c.socket, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			if isProtocolError(err) {
				// Malformed traffic closes the offending connection,
				// telling the peer why when the socket still works.
				_ = c.Send(protocol.ErrorCommand{Code: "protocol_error", Message: err.Error()})
				c.closeWithError(err)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()

		switch msg.Command.(type) {
		case protocol.Ping:
			if c.autoRespondPing {
				_ = c.Send(protocol.Pong{})
			}
		case protocol.Pong:
			c.ackPong()
		case protocol.Disconnect:
			c.setState(StateClosing)
			c.closeWithError(nil)
			return
		default:
			if c.deliverAwaited(msg) {
				continue
			}
			select {
			case c.inbound <- msg:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval {
				continue
			}
			if c.isWaitingPong() {
				continue
			}

			if err := c.Send(protocol.Ping{}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Conn) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Conn) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Conn) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		if err != nil {
			c.setState(StateError)
		} else {
			c.setState(StateClosed)
		}
		_ = c.socket.Close()
		close(c.closed)
	})
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrInvalidEncoding) ||
		errors.Is(err, protocol.ErrMalformedMessage) ||
		errors.Is(err, protocol.ErrUnknownCommand)
}
