package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentmesh/auth"
	"agentmesh/protocol"
	"agentmesh/registry"
	"agentmesh/storage"
)

// Options configures a transport server.
type Options struct {
	LocalPeerID   string
	LocalPeerName string

	// TLSConfig wraps every accepted socket when non-nil. TLS implies
	// token authentication.
	TLSConfig   *tls.Config
	RequireAuth bool

	// MaxConnections is the accept-loop admission bound; zero means
	// unlimited.
	MaxConnections int

	Tokens   *auth.TokenStore
	Registry *registry.Registry
	Store    *storage.Store
	Logger   *zap.Logger

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool

	// OnMessage receives deduplicated chat messages addressed to the
	// local peer, after they have been acked.
	OnMessage func(conn *Conn, msg *protocol.Message, cmd protocol.ChatMessage)
	// OnBroadcast receives broadcast traffic from any peer.
	OnBroadcast func(conn *Conn, msg *protocol.Message, cmd protocol.Broadcast)
	// OnShareRequest decides whether a requested shared path is served.
	OnShareRequest func(conn *Conn, path string) error
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o Options) validate() error {
	if o.LocalPeerID == "" {
		return errors.New("local peer ID is required")
	}
	if o.LocalPeerName == "" {
		return errors.New("local peer name is required")
	}
	if o.authRequired() && o.Tokens == nil {
		return errors.New("token store is required when authentication is enabled")
	}
	return nil
}

// authRequired reports whether inbound connections must present a token
// after handshake. TLS without auth would still let anyone connect, so
// enabling TLS enables auth.
func (o Options) authRequired() bool {
	return o.RequireAuth || o.TLSConfig != nil
}

// Server accepts inbound sessions, walks them through handshake and
// authentication, and dispatches their traffic to registered handlers.
type Server struct {
	options  Options
	listener net.Listener
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu  sync.RWMutex
	conns   map[string]*Conn
	pending int

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	sessions    *sessionTable
	sharedMu    sync.RWMutex
	sharedPaths []string

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the accept loop.
func Listen(address string, options Options) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		options:  opts,
		listener: listener,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
		handlers: make(map[string]Handler),
		sessions: newSessionTable(),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}
	s.registerBuiltinHandlers()

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("transport listening",
		zap.String("address", listener.Addr().String()),
		zap.Bool("tls", opts.TLSConfig != nil),
		zap.Bool("auth", opts.authRequired()))
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Sessions returns the merged local and remote session list.
func (s *Server) Sessions() []RemoteSession {
	return s.sessions.List()
}

// Session returns one tracked session by id.
func (s *Server) Session(sessionID string) (RemoteSession, bool) {
	return s.sessions.Get(sessionID)
}

// Connections returns the currently tracked connections.
func (s *Server) Connections() []*Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of tracked connections.
func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// ConnByPeer returns the connection associated with a peer id, if any.
func (s *Server) ConnByPeer(peerID string) *Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, c := range s.conns {
		if c.PeerID() == peerID {
			return c
		}
	}
	return nil
}

// SetSharedPaths replaces the set of paths this node offers to peers.
func (s *Server) SetSharedPaths(paths []string) {
	s.sharedMu.Lock()
	s.sharedPaths = append([]string(nil), paths...)
	s.sharedMu.Unlock()
}

func (s *Server) isSharedPath(path string) bool {
	s.sharedMu.RLock()
	defer s.sharedMu.RUnlock()
	for _, p := range s.sharedPaths {
		if p == path {
			return true
		}
	}
	return false
}

// AnnounceLocalSession records a local session and advertises it to
// every connected peer.
func (s *Server) AnnounceLocalSession(sessionID, sessionName, role, workingDir string) {
	s.sessions.Upsert(RemoteSession{
		PeerID:      s.options.LocalPeerID,
		PeerName:    s.options.LocalPeerName,
		SessionID:   sessionID,
		SessionName: sessionName,
		Role:        role,
		WorkingDir:  workingDir,
	})
	s.Broadcast(protocol.SessionAnnounce{
		PeerID:      s.options.LocalPeerID,
		PeerName:    s.options.LocalPeerName,
		SessionID:   sessionID,
		SessionName: sessionName,
		Role:        role,
		WorkingDir:  workingDir,
	})
}

// EndLocalSession withdraws a local session and tells every peer.
func (s *Server) EndLocalSession(sessionID string) {
	if !s.sessions.Remove(sessionID) {
		return
	}
	s.Broadcast(protocol.SessionEnd{SessionID: sessionID})
}

// Broadcast fans a command out to every tracked connection. Delivery is
// best-effort: one peer's send failure never blocks the rest.
func (s *Server) Broadcast(cmd protocol.Command) {
	for _, c := range s.Connections() {
		if err := c.Send(cmd); err != nil {
			s.logger.Debug("broadcast send failed",
				zap.String("conn_id", c.ID()),
				zap.String("peer_id", c.PeerID()),
				zap.Error(err))
		}
	}
}

// Adopt registers an outbound connection so it is dispatched and counted
// like an accepted one.
func (s *Server) Adopt(conn *Conn) {
	s.register(conn)
}

// Stop closes the listener and every connection. Idempotent.
func (s *Server) Stop() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		for _, c := range s.Connections() {
			_ = c.Close()
		}

		s.wg.Wait()
		close(s.errs)
		s.logger.Info("transport stopped")
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		socket, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.reserveSlot() {
			s.logger.Warn("connection rejected: at capacity",
				zap.String("remote", socket.RemoteAddr().String()),
				zap.Int("max_connections", s.options.MaxConnections))
			_ = protocol.WriteMessage(socket, protocol.NewMessage(protocol.ErrorCommand{
				Code:    "server_busy",
				Message: "connection limit reached",
			}))
			_ = socket.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleInbound(socket)
	}
}

// reserveSlot claims admission capacity for a socket before its handshake
// runs. Handshakes in flight count toward MaxConnections alongside
// registered connections, so a burst of concurrent dials cannot slip past
// the bound. Every reservation is paired with a releaseSlot.
func (s *Server) reserveSlot() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if max := s.options.MaxConnections; max > 0 && len(s.conns)+s.pending >= max {
		return false
	}
	s.pending++
	return true
}

func (s *Server) releaseSlot() {
	s.connMu.Lock()
	s.pending--
	s.connMu.Unlock()
}

func (s *Server) handleInbound(socket net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()

	if s.options.TLSConfig != nil {
		socket = tls.Server(socket, s.options.TLSConfig)
	}

	conn := newConn(socket, s.connOptions())
	keepConn := false
	defer func() {
		if !keepConn {
			_ = socket.Close()
		}
	}()

	if err := socket.SetDeadline(time.Now().Add(s.options.ConnectTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	conn.setState(StateHandshaking)
	msg, err := protocol.ReadMessageWithTimeout(socket, s.options.ConnectTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read handshake: %w", err))
		return
	}
	hs, ok := msg.Command.(protocol.Handshake)
	if !ok {
		s.sendErrorFrame(socket, "unexpected_command",
			fmt.Sprintf("expected %q, got %q", protocol.TypeHandshake, msg.Command.CommandType()))
		return
	}
	if hs.PeerID == "" {
		s.sendErrorFrame(socket, "invalid_handshake", "handshake peer_id is empty")
		return
	}
	conn.setPeer(hs.PeerID, hs.Name, hs.Version)

	if err := protocol.WriteMessage(socket, protocol.NewMessage(protocol.HandshakeAck{
		PeerID:  s.options.LocalPeerID,
		Name:    s.options.LocalPeerName,
		Version: protocol.Version,
	})); err != nil {
		s.reportError(fmt.Errorf("write handshake ack: %w", err))
		return
	}

	if s.options.authRequired() {
		conn.setState(StateAuthenticating)
		if !s.authenticateInbound(socket, conn) {
			return
		}
	}

	if err := socket.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	keepConn = true
	conn.open()
	s.register(conn)
}

// authenticateInbound runs the token exchange on a handshaked socket.
// The AuthResponse is a normal protocol reply either way; closing a
// rejected connection is this server's policy, not a protocol rule.
func (s *Server) authenticateInbound(socket net.Conn, conn *Conn) bool {
	msg, err := protocol.ReadMessageWithTimeout(socket, s.options.ConnectTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read auth request: %w", err))
		return false
	}
	req, ok := msg.Command.(protocol.AuthRequest)
	if !ok {
		s.sendErrorFrame(socket, "unexpected_command",
			fmt.Sprintf("expected %q, got %q", protocol.TypeAuthRequest, msg.Command.CommandType()))
		return false
	}

	granted, reason := s.authorize(conn.PeerID(), req.Token)
	if err := protocol.WriteMessage(socket, protocol.NewMessage(protocol.AuthResponse{
		Success: granted,
		Message: reason,
	})); err != nil {
		s.reportError(fmt.Errorf("write auth response: %w", err))
		return false
	}

	peerID := conn.PeerID()
	if !granted {
		s.logger.Warn("authentication rejected",
			zap.String("peer_id", peerID),
			zap.String("remote", socket.RemoteAddr().String()),
			zap.String("reason", reason))
		s.logEvent("auth_failed", peerID, storage.SeverityWarning,
			fmt.Sprintf(`{"reason":%q}`, reason))
		return false
	}

	conn.markAuthenticated()
	s.logger.Info("peer authenticated", zap.String("peer_id", peerID))
	s.logEvent("auth_success", peerID, storage.SeverityInfo, "{}")

	if reg := s.options.Registry; reg != nil {
		host, port := splitHostPort(socket.RemoteAddr())
		if err := reg.TouchPeer(peerID, host, port); err != nil && !errors.Is(err, registry.ErrPeerNotFound) {
			s.reportError(fmt.Errorf("touch peer %q: %w", peerID, err))
		}
	}
	return true
}

// authorize validates the presented token and cross-checks the registry.
// A peer the registry explicitly de-authorized is rejected even with a
// redeemable token; a peer the registry has never heard of may still
// connect on an unbound token.
func (s *Server) authorize(peerID, token string) (bool, string) {
	valid, err := s.options.Tokens.ValidateToken(token, peerID)
	if errors.Is(err, auth.ErrTokenNotFound) {
		return false, "unknown token"
	}
	if err != nil {
		s.reportError(fmt.Errorf("validate token for %q: %w", peerID, err))
		return false, "authentication unavailable"
	}
	if !valid {
		return false, "token rejected"
	}

	if reg := s.options.Registry; reg != nil {
		peer, err := reg.GetPeer(peerID)
		if err == nil && !peer.Authorized {
			return false, "peer not authorized"
		}
	}
	return true, "authenticated"
}

func (s *Server) register(conn *Conn) {
	s.connMu.Lock()
	s.conns[conn.ID()] = conn
	s.connMu.Unlock()

	s.logger.Info("connection open",
		zap.String("conn_id", conn.ID()),
		zap.String("peer_id", conn.PeerID()),
		zap.String("remote", conn.RemoteAddr().String()))
	s.logEvent("connection_opened", conn.PeerID(), storage.SeverityInfo,
		fmt.Sprintf(`{"conn_id":%q}`, conn.ID()))

	s.wg.Add(1)
	go s.connLoop(conn)
}

// connLoop dispatches one connection's inbound traffic until it closes.
// Handler failures are that connection's problem and never reach the
// accept loop or other connections.
func (s *Server) connLoop(conn *Conn) {
	defer s.wg.Done()

	for {
		msg, err := conn.Receive(s.ctx)
		if err != nil {
			break
		}
		s.dispatch(conn, msg)
	}

	_ = conn.Close()

	s.connMu.Lock()
	delete(s.conns, conn.ID())
	s.connMu.Unlock()

	peerID := conn.PeerID()
	if peerID != "" && peerID != s.options.LocalPeerID {
		if dropped := s.sessions.RemoveByPeer(peerID); dropped > 0 {
			s.logger.Debug("dropped sessions of disconnected peer",
				zap.String("peer_id", peerID), zap.Int("count", dropped))
		}
	}

	if err := conn.Err(); err != nil {
		s.logger.Warn("connection closed",
			zap.String("conn_id", conn.ID()),
			zap.String("peer_id", peerID),
			zap.Error(err))
	} else {
		s.logger.Info("connection closed",
			zap.String("conn_id", conn.ID()),
			zap.String("peer_id", peerID))
	}
	s.logEvent("connection_closed", peerID, storage.SeverityInfo,
		fmt.Sprintf(`{"conn_id":%q}`, conn.ID()))
}

func (s *Server) dispatch(conn *Conn, msg *protocol.Message) {
	commandType := msg.Command.CommandType()

	s.handlerMu.RLock()
	handler := s.handlers[commandType]
	s.handlerMu.RUnlock()

	if handler == nil {
		s.logger.Debug("no handler for command",
			zap.String("command", commandType),
			zap.String("peer_id", conn.PeerID()))
		return
	}

	if err := handler.Handle(s.ctx, conn, msg); err != nil {
		s.logger.Warn("handler failed",
			zap.String("command", commandType),
			zap.String("peer_id", conn.PeerID()),
			zap.Error(err))
	}
}

func (s *Server) connOptions() ConnOptions {
	return ConnOptions{
		LocalPeerID:       s.options.LocalPeerID,
		LocalPeerName:     s.options.LocalPeerName,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
		AutoRespondPing:   s.options.AutoRespondPing,
	}
}

func (s *Server) sendErrorFrame(socket net.Conn, code, message string) {
	_ = protocol.WriteMessage(socket, protocol.NewMessage(protocol.ErrorCommand{
		Code:    code,
		Message: message,
	}))
}

func (s *Server) logEvent(eventType, peerID, severity, details string) {
	event := storage.Event{
		EventType: eventType,
		Details:   details,
		Severity:  severity,
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	// The audit trail must never take traffic down with it.
	if err := s.options.Store.LogEvent(event); err != nil {
		s.logger.Warn("event log write failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}

	s.logger.Warn("transport error", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

func splitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
