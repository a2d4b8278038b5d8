package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Preferred topic owners for a new session.
const (
	TopicAgent1 = "agent1"
	TopicAgent2 = "agent2"
)

var canonicalUUID = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id is a canonical RFC 4122 UUID of
// version 1 through 5.
func ValidSessionID(id string) bool {
	if !canonicalUUID.MatchString(id) {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5 && u.Variant() == uuid.RFC4122
}

// SessionMetadata carries display data for a session.
type SessionMetadata struct {
	SessionTitle string    `json:"sessionTitle"`
	LastActivity time.Time `json:"lastActivity"`
}

// ChatSession is a conversation between two agents.
type ChatSession struct {
	SessionID    string          `json:"sessionId"`
	AgentAID     string          `json:"agent1AccountId"`
	AgentBID     string          `json:"agent2AccountId"`
	Status       string          `json:"status"`
	MessageCount int             `json:"messageCount"`
	CommTopic    string          `json:"communicationTopicId"`
	Metadata     SessionMetadata `json:"metadata"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Active reports whether the session still accepts messages.
func (s *ChatSession) Active() bool {
	return s.Status == SessionActive
}

// MessageMetadata carries generation details for AI messages.
type MessageMetadata struct {
	AIModel        string `json:"aiModel,omitempty"`
	AIProvider     string `json:"aiProvider,omitempty"`
	ProcessingTime int64  `json:"processingTime,omitempty"`
	TokensUsed     int    `json:"tokensUsed,omitempty"`
}

// ChatMessage is one entry of a session conversation.
type ChatMessage struct {
	ID          string           `json:"_id"`
	SessionID   string           `json:"sessionId"`
	FromAgentID string           `json:"fromAgentId"`
	Text        string           `json:"message"`
	Timestamp   time.Time        `json:"timestamp"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
}

// CreateSessionRequest is the body of a session creation call.
type CreateSessionRequest struct {
	AgentAID       string `json:"agent1AccountId"`
	AgentBID       string `json:"agent2AccountId"`
	PreferredTopic string `json:"preferredTopicAgent,omitempty"`
}

// CreatedSession identifies a newly created session.
type CreatedSession struct {
	SessionID    string `json:"sessionId"`
	WebSocketURL string `json:"websocketUrl"`
}

// TranscriptStatus reports whether a session transcript has been stored.
type TranscriptStatus struct {
	Submitted         bool   `json:"submitted"`
	MessageCount      int    `json:"messageCount"`
	SubmissionDate    string `json:"submissionDate,omitempty"`
	StoredInDatabase  bool   `json:"storedInDatabase"`
	SubmittedToLedger bool   `json:"submittedToHcs"`
	LedgerTxID        string `json:"hcsTransactionId,omitempty"`
	LedgerURL         string `json:"hashscanUrl,omitempty"`
}

// TranscriptSessionInfo summarizes the session a transcript belongs to.
type TranscriptSessionInfo struct {
	SessionID    string `json:"sessionId"`
	Agent1Name   string `json:"agent1Name"`
	Agent2Name   string `json:"agent2Name"`
	MessageCount int    `json:"messageCount"`
	StartedAt    string `json:"startedAt"`
	EndedAt      string `json:"endedAt"`
}

// TranscriptBody is the stored conversation.
type TranscriptBody struct {
	SessionInfo  TranscriptSessionInfo `json:"sessionInfo"`
	Conversation []string              `json:"conversation"`
}

// Transcript is the archived record of a session.
type Transcript struct {
	SessionID         string         `json:"sessionId"`
	MessageCount      int            `json:"messageCount"`
	Transcript        TranscriptBody `json:"transcript"`
	SubmittedToLedger bool           `json:"submittedToHcs"`
	LedgerURL         string         `json:"hashscanUrl,omitempty"`
}
