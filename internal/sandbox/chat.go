package sandbox

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ashureev/agentlink/internal/api"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/identity"
	"github.com/ashureev/agentlink/internal/realtime"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const hashscanTxURL = "https://hashscan.io/testnet/transaction/"

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentAID == "" || req.AgentBID == "" {
		api.Error(w, http.StatusBadRequest, "Both agent account ids are required")
		return
	}
	if req.AgentAID == req.AgentBID {
		api.Error(w, http.StatusBadRequest, "Agents must be different")
		return
	}

	s.mu.Lock()
	a, okA := s.profiles[req.AgentAID]
	b, okB := s.profiles[req.AgentBID]
	if !okA || !okB {
		s.mu.Unlock()
		api.Error(w, http.StatusNotFound, "Agent not found")
		return
	}
	topic := a.CommTopic
	if req.PreferredTopic == domain.TopicAgent2 {
		topic = b.CommTopic
	}
	now := s.now().UTC()
	sess := &domain.ChatSession{
		SessionID: uuid.NewString(),
		AgentAID:  req.AgentAID,
		AgentBID:  req.AgentBID,
		Status:    domain.SessionActive,
		CommTopic: topic,
		Metadata:  domain.SessionMetadata{LastActivity: now},
		CreatedAt: now,
	}
	s.sessions[sess.SessionID] = sess
	s.order = append(s.order, sess.SessionID)
	s.mu.Unlock()

	s.logger.Info("Sandbox session created", "session_id", sess.SessionID)
	api.OK(w, http.StatusCreated, domain.CreatedSession{
		SessionID:    sess.SessionID,
		WebSocketURL: "ws://" + r.Host + WSPath,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	username := identity.UsernameFromContext(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ChatSession
	for i := len(s.order) - 1; i >= 0; i-- {
		sess := s.sessions[s.order[i]]
		if status != "" && sess.Status != status {
			continue
		}
		if !s.ownsLocked(username, sess.AgentAID) && !s.ownsLocked(username, sess.AgentBID) {
			continue
		}
		out = append(out, *sess)
	}
	api.List(w, out)
}

func (s *Server) ownsLocked(username, accountID string) bool {
	acct, ok := s.accounts[accountID]
	return ok && acct.Owner == username
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	var snapshot domain.ChatSession
	if ok {
		snapshot = *sess
	}
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	api.OK(w, http.StatusOK, snapshot)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, msg := s.endSession(id)
	if status != http.StatusOK {
		api.Error(w, status, msg)
		return
	}
	api.OK(w, http.StatusOK, map[string]string{"sessionId": id, "status": domain.SessionEnded})
}

// endSession closes a session, stores its transcript and notifies peers.
func (s *Server) endSession(id string) (int, string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return http.StatusNotFound, "Session not found"
	}
	if !sess.Active() {
		s.mu.Unlock()
		return http.StatusConflict, "Session already ended"
	}
	sess.Status = domain.SessionEnded
	sess.Metadata.LastActivity = s.now().UTC()
	s.storeTranscriptLocked(sess)
	s.mu.Unlock()

	s.logger.Info("Sandbox session ended", "session_id", id)
	s.hub.Broadcast(id, realtime.EventSessionEnded, realtime.SessionEnded{
		SessionID:           id,
		TranscriptSubmitted: true,
	})
	return http.StatusOK, ""
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, ok := s.sessions[id]
	msgs := append([]domain.ChatMessage(nil), s.messages[id]...)
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	api.List(w, msgs)
}

func (s *Server) handleTranscriptStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		api.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	rec, ok := s.transcripts[id]
	if !ok {
		api.OK(w, http.StatusOK, domain.TranscriptStatus{MessageCount: len(s.messages[id])})
		return
	}
	api.OK(w, http.StatusOK, domain.TranscriptStatus{
		Submitted:         true,
		MessageCount:      rec.transcript.MessageCount,
		SubmissionDate:    rec.submitted.Format(time.RFC3339),
		StoredInDatabase:  true,
		SubmittedToLedger: true,
		LedgerTxID:        rec.txID,
		LedgerURL:         rec.transcript.LedgerURL,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	rec, ok := s.transcripts[id]
	var t domain.Transcript
	if ok {
		t = rec.transcript
	}
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Transcript not found")
		return
	}
	api.OK(w, http.StatusOK, t)
}

func (s *Server) handleGenerateTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.storeTranscriptLocked(sess)
	}
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	api.OK(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "generated"})
}

// appendMessageLocked stores a message and bumps the session counters.
func (s *Server) appendMessageLocked(sess *domain.ChatSession, from, text string, meta *domain.MessageMetadata) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   sess.SessionID,
		FromAgentID: from,
		Text:        text,
		Timestamp:   s.now().UTC(),
		Metadata:    meta,
	}
	s.messages[sess.SessionID] = append(s.messages[sess.SessionID], msg)
	sess.MessageCount++
	sess.Metadata.LastActivity = msg.Timestamp
	return msg
}

func (s *Server) agentNameLocked(accountID string) string {
	if p, ok := s.profiles[accountID]; ok && p.Name != "" {
		return p.Name
	}
	return accountID
}

func (s *Server) storeTranscriptLocked(sess *domain.ChatSession) {
	msgs := s.messages[sess.SessionID]
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			m.Timestamp.Format(time.RFC3339), s.agentNameLocked(m.FromAgentID), m.Text))
	}

	now := s.now().UTC()
	txID := fmt.Sprintf("%s@%d.%09d", sess.AgentAID, now.Unix(), now.Nanosecond())
	ended := ""
	if !sess.Active() {
		ended = sess.Metadata.LastActivity.Format(time.RFC3339)
	}
	s.transcripts[sess.SessionID] = &transcriptRecord{
		transcript: domain.Transcript{
			SessionID:    sess.SessionID,
			MessageCount: len(msgs),
			Transcript: domain.TranscriptBody{
				SessionInfo: domain.TranscriptSessionInfo{
					SessionID:    sess.SessionID,
					Agent1Name:   s.agentNameLocked(sess.AgentAID),
					Agent2Name:   s.agentNameLocked(sess.AgentBID),
					MessageCount: len(msgs),
					StartedAt:    sess.CreatedAt.Format(time.RFC3339),
					EndedAt:      ended,
				},
				Conversation: lines,
			},
			SubmittedToLedger: true,
			LedgerURL:         hashscanTxURL + txID,
		},
		submitted: now,
		txID:      txID,
	}
}
