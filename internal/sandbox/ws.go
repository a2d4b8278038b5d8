package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/identity"
	"github.com/ashureev/agentlink/internal/realtime"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsReadLimit     = 1 << 20
	defaultBatch    = 50
	sandboxModel    = "sandbox-echo"
	sandboxProvider = "sandbox"
)

var errSessionNotFound = errors.New("session not found")

type commandPayload struct {
	SessionID      string `json:"sessionId"`
	AgentID        string `json:"agentId"`
	AgentAccountID string `json:"agentAccountId"`
	Message        string `json:"message"`
	TriggerAI      bool   `json:"triggerAI"`
	StartIndex     int    `json:"startIndex"`
	BatchSize      int    `json:"batchSize"`
}

func (c commandPayload) agent() string {
	if c.AgentAccountID != "" {
		return c.AgentAccountID
	}
	return c.AgentID
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	username := identity.UsernameFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err, "username", username)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	s.logger.Debug("Sandbox peer connected", "username", username, "remote_ip", identity.IPFromRequest(r))

	p := &Peer{conn: conn, username: username}
	s.hub.Register(p)
	defer s.hub.Unregister(p)
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var env realtime.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && ctx.Err() == nil {
				s.logger.Debug("Sandbox peer read failed", "username", username, "error", err)
			}
			return
		}

		var cmd commandPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &cmd); err != nil {
				s.emitError(p, "malformed payload for "+env.Event, "")
				continue
			}
		}
		s.dispatch(p, env.Event, cmd)
	}
}

func (s *Server) dispatch(p *Peer, event string, cmd commandPayload) {
	switch event {
	case realtime.CommandJoinSession:
		s.wsJoin(p, cmd)
	case realtime.CommandSendOnBehalf:
		s.wsSend(p, cmd)
	case realtime.CommandTriggerAI:
		s.wsTrigger(p, cmd)
	case realtime.CommandEndSession:
		if status, msg := s.endSession(cmd.SessionID); status != http.StatusOK {
			s.emitError(p, msg, "")
		}
	case realtime.CommandSessionStatus:
		s.wsStatus(p, cmd)
	case realtime.CommandStreamMessages:
		s.wsStream(p, cmd)
	default:
		s.emitError(p, "unknown command "+event, "")
	}
}

func (s *Server) emitError(p *Peer, msg, code string) {
	if err := p.Emit(realtime.EventError, realtime.ServerError{Message: msg, Code: code}); err != nil {
		s.logger.Debug("Failed to emit sandbox error", "error", err)
	}
}

// participant returns the session and the counterpart of agentID.
func (s *Server) participantLocked(sessionID, agentID string) (*domain.ChatSession, string, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, "", errSessionNotFound
	}
	switch agentID {
	case sess.AgentAID:
		return sess, sess.AgentBID, nil
	case sess.AgentBID:
		return sess, sess.AgentAID, nil
	default:
		return nil, "", fmt.Errorf("agent %s is not part of session", agentID)
	}
}

func (s *Server) wsJoin(p *Peer, cmd commandPayload) {
	agentID := cmd.agent()

	s.mu.Lock()
	sess, other, err := s.participantLocked(cmd.SessionID, agentID)
	var count int
	if err == nil {
		count = sess.MessageCount
	}
	s.mu.Unlock()
	if err != nil {
		s.emitError(p, err.Error(), realtime.CodeJoinError)
		return
	}

	s.hub.Join(cmd.SessionID, agentID, p)
	s.logger.Debug("Agent joined session", "session_id", cmd.SessionID, "agent_id", agentID, "members", s.hub.Members(cmd.SessionID))
	if err := p.Emit(realtime.EventSessionInfo, realtime.SessionInfo{
		SessionID:    cmd.SessionID,
		OtherAgentID: other,
		MessageCount: count,
	}); err != nil {
		s.logger.Debug("Failed to emit session info", "error", err)
	}
	s.hub.Broadcast(cmd.SessionID, realtime.EventAgentJoined, realtime.AgentJoined{
		SessionID: cmd.SessionID,
		AgentID:   agentID,
	})
}

func (s *Server) wsSend(p *Peer, cmd commandPayload) {
	agentID := cmd.agent()
	if cmd.Message == "" {
		s.emitError(p, "message is required", realtime.CodeMessageError)
		return
	}

	s.mu.Lock()
	sess, other, err := s.participantLocked(cmd.SessionID, agentID)
	if err == nil && !sess.Active() {
		err = errors.New("session has ended")
	}
	var msg domain.ChatMessage
	if err == nil {
		msg = s.appendMessageLocked(sess, agentID, cmd.Message, nil)
	}
	s.mu.Unlock()
	if err != nil {
		s.emitError(p, err.Error(), realtime.CodeMessageError)
		return
	}

	if err := p.Emit(realtime.EventMessageSentOnBehalf, realtime.MessageSent{
		SessionID: cmd.SessionID,
		MessageID: msg.ID,
		AgentID:   agentID,
	}); err != nil {
		s.logger.Debug("Failed to emit ack", "error", err)
	}
	s.hub.Broadcast(cmd.SessionID, realtime.EventNewMessage, lineOf(msg))

	if cmd.TriggerAI {
		s.respondLater(cmd.SessionID, other)
	}
}

func (s *Server) wsTrigger(p *Peer, cmd commandPayload) {
	agentID := cmd.agent()

	s.mu.Lock()
	_, _, err := s.participantLocked(cmd.SessionID, agentID)
	s.mu.Unlock()
	if err != nil {
		s.emitError(p, err.Error(), realtime.CodeAITriggerError)
		return
	}
	s.respondLater(cmd.SessionID, agentID)
}

// respondLater announces agentID as thinking and posts a generated reply
// after the configured delay. Ended sessions get an ai-skip instead.
func (s *Server) respondLater(sessionID, agentID string) {
	s.hub.Broadcast(sessionID, realtime.EventAIThinking, realtime.AIThinking{
		SessionID: sessionID,
		AgentID:   agentID,
	})

	s.goBackground(func(ctx context.Context) {
		timer := time.NewTimer(s.opts.AIDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		started := s.now()
		s.mu.Lock()
		sess, ok := s.sessions[sessionID]
		if !ok || !sess.Active() {
			s.mu.Unlock()
			s.hub.Broadcast(sessionID, realtime.EventAISkip, realtime.AISkip{
				SessionID: sessionID,
				AgentID:   agentID,
				Reason:    "session has ended",
			})
			return
		}
		text := s.replyTextLocked(sessionID, agentID)
		msg := s.appendMessageLocked(sess, agentID, text, &domain.MessageMetadata{
			AIModel:        sandboxModel,
			AIProvider:     sandboxProvider,
			ProcessingTime: s.now().Sub(started).Milliseconds(),
			TokensUsed:     len(text) / 4,
		})
		s.mu.Unlock()

		s.hub.Broadcast(sessionID, realtime.EventAIResponseGenerated, lineOf(msg))
	})
}

func (s *Server) replyTextLocked(sessionID, agentID string) string {
	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].FromAgentID != agentID {
			return fmt.Sprintf("%s received: %s", s.agentNameLocked(agentID), msgs[i].Text)
		}
	}
	return s.agentNameLocked(agentID) + " is ready to chat."
}

func (s *Server) wsStatus(p *Peer, cmd commandPayload) {
	s.mu.Lock()
	sess, ok := s.sessions[cmd.SessionID]
	var status realtime.SessionStatus
	if ok {
		status = realtime.SessionStatus{
			SessionID:    sess.SessionID,
			Status:       sess.Status,
			MessageCount: sess.MessageCount,
			StartTime:    sess.CreatedAt.Format(time.RFC3339),
		}
		if !sess.Active() {
			status.EndTime = sess.Metadata.LastActivity.Format(time.RFC3339)
		}
	}
	s.mu.Unlock()
	if !ok {
		s.emitError(p, errSessionNotFound.Error(), "")
		return
	}
	if err := p.Emit(realtime.EventSessionStatus, status); err != nil {
		s.logger.Debug("Failed to emit session status", "error", err)
	}
}

func (s *Server) wsStream(p *Peer, cmd commandPayload) {
	s.mu.Lock()
	_, ok := s.sessions[cmd.SessionID]
	msgs := append([]domain.ChatMessage(nil), s.messages[cmd.SessionID]...)
	s.mu.Unlock()
	if !ok {
		s.emitError(p, errSessionNotFound.Error(), realtime.CodeHistoryError)
		return
	}
	if cmd.StartIndex < 0 {
		s.emitError(p, "startIndex must not be negative", realtime.CodeHistoryError)
		return
	}

	batch := cmd.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	end := min(cmd.StartIndex+batch, len(msgs))

	sent := 0
	for i := cmd.StartIndex; i < end; i++ {
		ev := realtime.StreamedMessage{ChatLine: lineOf(msgs[i]), Index: i}
		if err := p.Emit(realtime.EventMessageStream, ev); err != nil {
			s.logger.Debug("Failed to stream message", "error", err)
			return
		}
		sent++
	}
	if err := p.Emit(realtime.EventMessageStreamComplete, realtime.StreamComplete{
		SessionID: cmd.SessionID,
		Count:     sent,
	}); err != nil {
		s.logger.Debug("Failed to emit stream completion", "error", err)
	}
}

func lineOf(m domain.ChatMessage) realtime.ChatLine {
	return realtime.ChatLine{
		SessionID: m.SessionID,
		ID:        m.ID,
		From:      m.FromAgentID,
		Message:   m.Text,
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
	}
}
