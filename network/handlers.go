package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"agentmesh/protocol"
	"agentmesh/storage"
)

// Handler processes one command type on an established connection.
type Handler interface {
	Command() string
	Handle(ctx context.Context, conn *Conn, msg *protocol.Message) error
}

type handlerFunc struct {
	command string
	fn      func(ctx context.Context, conn *Conn, msg *protocol.Message) error
}

func (h handlerFunc) Command() string { return h.command }
func (h handlerFunc) Handle(ctx context.Context, conn *Conn, msg *protocol.Message) error {
	return h.fn(ctx, conn, msg)
}

// NewHandler adapts a function into a Handler for the given command.
func NewHandler(command string, fn func(ctx context.Context, conn *Conn, msg *protocol.Message) error) Handler {
	return handlerFunc{command: command, fn: fn}
}

// RegisterHandler installs or replaces the handler for its command type.
func (s *Server) RegisterHandler(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[h.Command()] = h
}

func (s *Server) registerBuiltinHandlers() {
	for _, h := range []Handler{
		NewHandler(protocol.TypeSessionAnnounce, s.handleSessionAnnounce),
		NewHandler(protocol.TypeSessionEnd, s.handleSessionEnd),
		NewHandler(protocol.TypeWho, s.handleWho),
		NewHandler(protocol.TypeMessage, s.handleMessage),
		NewHandler(protocol.TypeBroadcast, s.handleBroadcast),
		NewHandler(protocol.TypeShareInfo, s.handleShareInfo),
		NewHandler(protocol.TypeShareRequest, s.handleShareRequest),
		NewHandler(protocol.TypeError, s.handleError),
	} {
		s.RegisterHandler(h)
	}
}

func (s *Server) handleSessionAnnounce(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.SessionAnnounce)
	if !ok {
		return errors.New("session_announce: unexpected command payload")
	}
	if cmd.SessionID == "" {
		return errors.New("session_announce: session_id is empty")
	}

	peerID := cmd.PeerID
	if peerID == "" {
		peerID = conn.PeerID()
	}
	s.sessions.Upsert(RemoteSession{
		PeerID:      peerID,
		PeerName:    cmd.PeerName,
		PeerAddr:    conn.RemoteAddr().String(),
		SessionID:   cmd.SessionID,
		SessionName: cmd.SessionName,
		Role:        cmd.Role,
		WorkingDir:  cmd.WorkingDir,
	})
	return nil
}

func (s *Server) handleSessionEnd(_ context.Context, _ *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.SessionEnd)
	if !ok {
		return errors.New("session_end: unexpected command payload")
	}
	s.sessions.Remove(cmd.SessionID)
	return nil
}

func (s *Server) handleWho(_ context.Context, conn *Conn, _ *protocol.Message) error {
	return conn.Send(protocol.WhoResponse{Sessions: s.sessions.Infos()})
}

// handleMessage delivers directed traffic addressed to the local peer:
// dedupe, record, hand to the sink, then ack. Messages for other peers
// are dropped; this transport does not relay.
func (s *Server) handleMessage(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.ChatMessage)
	if !ok {
		return errors.New("message: unexpected command payload")
	}
	if cmd.ToPeer != "" && cmd.ToPeer != s.options.LocalPeerID {
		s.logger.Debug("dropping message for another peer",
			zap.String("to_peer", cmd.ToPeer), zap.String("message_id", msg.ID))
		return nil
	}

	seen, err := s.options.Store.HasSeenMessage(msg.ID)
	if err != nil {
		return fmt.Errorf("message dedupe lookup: %w", err)
	}
	if seen {
		s.logger.Debug("dropping duplicate message", zap.String("message_id", msg.ID))
		return nil
	}
	if err := s.options.Store.MarkMessageSeen(msg.ID, msg.Timestamp*1000); err != nil {
		return fmt.Errorf("mark message seen: %w", err)
	}

	if s.options.OnMessage != nil {
		s.options.OnMessage(conn, msg, cmd)
	}
	return conn.Send(protocol.MessageAck{MessageID: msg.ID})
}

func (s *Server) handleBroadcast(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.Broadcast)
	if !ok {
		return errors.New("broadcast: unexpected command payload")
	}
	if s.options.OnBroadcast != nil {
		s.options.OnBroadcast(conn, msg, cmd)
	}
	return nil
}

func (s *Server) handleShareInfo(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.ShareInfo)
	if !ok {
		return errors.New("share_info: unexpected command payload")
	}
	conn.setSharedPaths(cmd.SharedPaths)
	return nil
}

func (s *Server) handleShareRequest(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.ShareRequest)
	if !ok {
		return errors.New("share_request: unexpected command payload")
	}
	if !s.isSharedPath(cmd.Path) {
		return conn.Send(protocol.ErrorCommand{
			Code:    "path_not_shared",
			Message: fmt.Sprintf("path %q is not shared", cmd.Path),
		})
	}
	if s.options.OnShareRequest != nil {
		return s.options.OnShareRequest(conn, cmd.Path)
	}
	return nil
}

func (s *Server) handleError(_ context.Context, conn *Conn, msg *protocol.Message) error {
	cmd, ok := msg.Command.(protocol.ErrorCommand)
	if !ok {
		return errors.New("error: unexpected command payload")
	}
	s.logger.Warn("peer reported error",
		zap.String("peer_id", conn.PeerID()),
		zap.String("code", cmd.Code),
		zap.String("message", cmd.Message))
	s.logEvent("peer_error", conn.PeerID(), storage.SeverityWarning,
		fmt.Sprintf(`{"code":%q}`, cmd.Code))
	return nil
}
