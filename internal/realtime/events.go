package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
)

// Inbound event names.
const (
	EventSessionInfo           = "session-info"
	EventNewMessage            = "new-message"
	EventAIThinking            = "ai-thinking"
	EventAIResponseGenerated   = "ai-response-generated"
	EventAISkip                = "ai-skip"
	EventSessionStatus         = "session-status"
	EventSessionEnded          = "session-ended"
	EventError                 = "error"
	EventMessageSentOnBehalf   = "message-sent-on-behalf"
	EventMessageStream         = "message-stream"
	EventMessageStreamComplete = "message-stream-complete"
	EventAgentJoined           = "agent-joined"
)

// Outbound command names.
const (
	CommandJoinSession    = "agent-join-session"
	CommandSendOnBehalf   = "user-send-message-on-behalf"
	CommandTriggerAI      = "trigger-ai-response"
	CommandEndSession     = "end-session"
	CommandSessionStatus  = "get-session-status"
	CommandStreamMessages = "stream-messages"
)

// Server error codes.
const (
	CodeJoinError      = "JOIN_ERROR"
	CodeMessageError   = "MESSAGE_ERROR"
	CodeAITriggerError = "AI_TRIGGER_ERROR"
	CodeHistoryError   = "HISTORY_ERROR"
)

// Envelope is one WebSocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Event is any inbound notification published to subscribers.
type Event interface {
	EventName() string
}

// SessionInfo is sent after joining a session.
type SessionInfo struct {
	SessionID    string `json:"sessionId"`
	OtherAgentID string `json:"otherAgentId"`
	MessageCount int    `json:"messageCount"`
}

// ChatLine is a message delivered live over the channel.
type ChatLine struct {
	SessionID string                  `json:"sessionId,omitempty"`
	ID        string                  `json:"_id,omitempty"`
	From      string                  `json:"from"`
	Message   string                  `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
	Metadata  *domain.MessageMetadata `json:"metadata,omitempty"`
}

// NewMessage is a message posted by either participant.
type NewMessage struct{ ChatLine }

// AIResponse is a message generated by an agent's model.
type AIResponse struct{ ChatLine }

// StreamedMessage is one replayed history entry.
type StreamedMessage struct {
	ChatLine
	Index int `json:"index"`
}

// AIThinking reports that an agent started generating.
type AIThinking struct {
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId"`
}

// AISkip reports that an agent declined to respond.
type AISkip struct {
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId"`
	Reason    string `json:"reason"`
}

// SessionStatus answers a status query.
type SessionStatus struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	MessageCount int    `json:"messageCount"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime,omitempty"`
}

// SessionEnded reports that a session was closed.
type SessionEnded struct {
	SessionID           string `json:"sessionId"`
	TranscriptSubmitted bool   `json:"transcriptSubmitted"`
}

// ServerError is an error reported by the server.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// MessageSent acknowledges a message posted on behalf of an agent.
type MessageSent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// StreamComplete marks the end of a replay.
type StreamComplete struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

// AgentJoined reports that an agent joined a session.
type AgentJoined struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

// ConnectionChange reports a transition of the channel state.
type ConnectionChange struct {
	State State
	Err   error
}

func (SessionInfo) EventName() string      { return EventSessionInfo }
func (NewMessage) EventName() string       { return EventNewMessage }
func (AIResponse) EventName() string       { return EventAIResponseGenerated }
func (StreamedMessage) EventName() string  { return EventMessageStream }
func (AIThinking) EventName() string       { return EventAIThinking }
func (AISkip) EventName() string           { return EventAISkip }
func (SessionStatus) EventName() string    { return EventSessionStatus }
func (SessionEnded) EventName() string     { return EventSessionEnded }
func (ServerError) EventName() string      { return EventError }
func (MessageSent) EventName() string      { return EventMessageSentOnBehalf }
func (StreamComplete) EventName() string   { return EventMessageStreamComplete }
func (AgentJoined) EventName() string      { return EventAgentJoined }
func (ConnectionChange) EventName() string { return "connection" }

func (e ServerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// wireLine accepts both sender spellings and loosely typed timestamps.
type wireLine struct {
	SessionID   string                  `json:"sessionId"`
	ID          json.RawMessage         `json:"_id"`
	From        string                  `json:"from"`
	FromAgentID string                  `json:"fromAgentId"`
	Message     string                  `json:"message"`
	Timestamp   string                  `json:"timestamp"`
	Metadata    *domain.MessageMetadata `json:"metadata"`
	Index       *int                    `json:"index"`
}

func decodeLine(data []byte, now time.Time) (ChatLine, *int, error) {
	var w wireLine
	if err := json.Unmarshal(data, &w); err != nil {
		return ChatLine{}, nil, err
	}
	from := w.From
	if from == "" {
		from = w.FromAgentID
	}
	ts := now
	if w.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			ts = parsed
		}
	}
	return ChatLine{
		SessionID: w.SessionID,
		ID:        rawID(w.ID),
		From:      from,
		Message:   w.Message,
		Timestamp: ts,
		Metadata:  w.Metadata,
	}, w.Index, nil
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}

// decode turns an envelope into a typed event. Unknown events return nil.
func decode(env Envelope, now time.Time) (Event, error) {
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch env.Event {
	case EventNewMessage:
		line, _, err := decodeLine(data, now)
		return NewMessage{line}, err
	case EventAIResponseGenerated:
		line, _, err := decodeLine(data, now)
		return AIResponse{line}, err
	case EventMessageStream:
		line, idx, err := decodeLine(data, now)
		ev := StreamedMessage{ChatLine: line}
		if idx != nil {
			ev.Index = *idx
			if ev.ID == "" {
				ev.ID = strconv.Itoa(*idx)
			}
		}
		return ev, err
	case EventSessionInfo:
		return unmarshalAs[SessionInfo](data)
	case EventAIThinking:
		return unmarshalAs[AIThinking](data)
	case EventAISkip:
		return unmarshalAs[AISkip](data)
	case EventSessionStatus:
		return unmarshalAs[SessionStatus](data)
	case EventSessionEnded:
		return unmarshalAs[SessionEnded](data)
	case EventError:
		return unmarshalAs[ServerError](data)
	case EventMessageSentOnBehalf:
		return unmarshalAs[MessageSent](data)
	case EventMessageStreamComplete:
		return unmarshalAs[StreamComplete](data)
	case EventAgentJoined:
		return unmarshalAs[AgentJoined](data)
	default:
		return nil, nil
	}
}

func unmarshalAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
