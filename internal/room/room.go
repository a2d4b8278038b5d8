// Package room drives one chat session: history loading, live events over
// the shared realtime channel, sending, and transcripts.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/archive"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/realtime"
	"golang.org/x/time/rate"
)

// Defaults for room timing.
const (
	DefaultLoadThrottle        = time.Second
	DefaultTranscriptPollDelay = 2 * time.Second
	defaultEventBuffer         = 256
)

// Registry is the session API used by a room.
type Registry interface {
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)
	Messages(ctx context.Context, id string) ([]domain.ChatMessage, error)
	EndSession(ctx context.Context, id string) error
	Invalidate(id string)
	TranscriptStatus(ctx context.Context, id string) (*domain.TranscriptStatus, error)
	Transcript(ctx context.Context, id string) (*domain.Transcript, error)
	GenerateTranscript(ctx context.Context, id string) error
}

// Channel is the realtime transport used by a room.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(buffer int) (<-chan realtime.Event, func())
	JoinSession(ctx context.Context, sessionID, agentID string) error
	SendOnBehalf(ctx context.Context, sessionID, agentID, text string, triggerAI bool) error
	TriggerAI(ctx context.Context, sessionID, agentID string) error
}

// Profiles resolves agent profiles for display names.
type Profiles interface {
	Profile(ctx context.Context, accountID string) domain.AgentProfile
}

// Options configures a Room. Profiles may be nil.
type Options struct {
	LoadThrottle        time.Duration
	TranscriptPollDelay time.Duration
	EventBuffer         int
	Archive             archive.Sink
	Profiles            Profiles
	OnChange            func(Snapshot)
	Logger              *slog.Logger
}

// Snapshot is the observable state of a room.
type Snapshot struct {
	Session      *domain.ChatSession
	Messages     []domain.ChatMessage
	Names        map[string]string
	Connected    bool
	ConnErr      error
	AITyping     bool
	TypingAgent  string
	LastActivity time.Time
	LastError    error
}

// TranscriptResult is the outcome of a transcript lookup.
type TranscriptResult struct {
	Available    bool
	MessageCount int
	Transcript   *domain.Transcript
}

// Room is the controller for one session.
type Room struct {
	id       string
	registry Registry
	channel  Channel
	opts     Options
	logger   *slog.Logger
	throttle *rate.Sometimes
	now      func() time.Time

	mu           sync.Mutex
	session      *domain.ChatSession
	messages     []domain.ChatMessage
	seen         map[string]struct{}
	names        map[string]string
	loaded       bool
	connected    bool
	connErr      error
	aiTyping     bool
	typingAgent  string
	lastActivity time.Time
	lastErr      error

	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New creates a room for sessionID. The id is validated when the room is
// used, not here.
func New(sessionID string, registry Registry, channel Channel, opts Options) *Room {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LoadThrottle <= 0 {
		opts.LoadThrottle = DefaultLoadThrottle
	}
	if opts.TranscriptPollDelay <= 0 {
		opts.TranscriptPollDelay = DefaultTranscriptPollDelay
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Room{
		id:       sessionID,
		registry: registry,
		channel:  channel,
		opts:     opts,
		logger:   opts.Logger.With("session_id", sessionID),
		throttle: &rate.Sometimes{Interval: opts.LoadThrottle},
		now:      time.Now,
		seen:     make(map[string]struct{}),
		names:    make(map[string]string),
	}
}

// ID returns the session id.
func (r *Room) ID() string { return r.id }

func (r *Room) validate(op string) error {
	if !domain.ValidSessionID(r.id) {
		return apierr.Validation(op, fmt.Sprintf("invalid session id %q", r.id))
	}
	return nil
}

// Load fetches the session and its history. Calls within the throttle
// interval, or after a load that returned messages, are skipped and report
// false.
func (r *Room) Load(ctx context.Context) (bool, error) {
	if err := r.validate("room.Load"); err != nil {
		return false, err
	}

	r.mu.Lock()
	done := r.loaded && len(r.messages) > 0
	r.mu.Unlock()
	if done {
		r.logger.Debug("Room already loaded, skipping")
		return false, nil
	}

	run := false
	r.throttle.Do(func() { run = true })
	if !run {
		r.logger.Debug("Room load throttled")
		return false, nil
	}
	return true, r.load(ctx)
}

func (r *Room) load(ctx context.Context) error {
	sess, err := r.registry.GetSession(ctx, r.id)
	if err != nil {
		r.setError(err)
		return fmt.Errorf("load session: %w", err)
	}
	history, err := r.registry.Messages(ctx, r.id)
	if err != nil {
		r.setError(err)
		return fmt.Errorf("load history: %w", err)
	}

	names := r.resolveNames(ctx, sess)

	r.mu.Lock()
	r.session = sess
	for id, name := range names {
		r.names[id] = name
	}
	for _, m := range history {
		r.foldLocked(m)
	}
	r.loaded = true
	r.mu.Unlock()

	r.logger.Info("Room loaded", "messages", len(history), "status", sess.Status)
	r.changed()
	return nil
}

// resolveNames looks up both participants. Agents without a profile keep
// their account id.
func (r *Room) resolveNames(ctx context.Context, sess *domain.ChatSession) map[string]string {
	names := make(map[string]string, 2)
	if r.opts.Profiles == nil {
		return names
	}
	for _, id := range []string{sess.AgentAID, sess.AgentBID} {
		if p := r.opts.Profiles.Profile(ctx, id); p.Name != "" && p.Name != domain.DefaultProfileName {
			names[id] = p.Name
		}
	}
	return names
}

// Start loads the session if needed, connects the channel and joins as the
// session's first agent.
func (r *Room) Start(ctx context.Context) error {
	const op = "room.Start"
	if err := r.validate(op); err != nil {
		return err
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return apierr.Business(op, "room already started")
	}
	r.started = true
	needLoad := r.session == nil
	r.mu.Unlock()

	if needLoad {
		if err := r.load(ctx); err != nil {
			r.resetStarted()
			return err
		}
	}

	events, unsubscribe := r.channel.Subscribe(r.opts.EventBuffer)
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go r.consume(loopCtx, events, done)

	if err := r.channel.Connect(ctx); err != nil {
		cancel()
		unsubscribe()
		<-done
		r.mu.Lock()
		r.connected = false
		r.connErr = err
		r.started = false
		r.mu.Unlock()
		r.changed()
		return fmt.Errorf("connect: %w", err)
	}

	r.mu.Lock()
	r.cancel = cancel
	r.unsubscribe = unsubscribe
	r.done = done
	r.connected = true
	r.connErr = nil
	agentA := r.session.AgentAID
	r.mu.Unlock()

	if err := r.channel.JoinSession(ctx, r.id, agentA); err != nil {
		r.Stop()
		return fmt.Errorf("join session: %w", err)
	}
	r.logger.Info("Room joined", "agent_id", agentA)
	r.changed()
	return nil
}

func (r *Room) resetStarted() {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
}

// Stop leaves the channel and stops processing events.
func (r *Room) Stop() {
	r.mu.Lock()
	cancel, unsubscribe, done := r.cancel, r.unsubscribe, r.done
	wasStarted := r.started && cancel != nil
	r.cancel, r.unsubscribe, r.done = nil, nil, nil
	r.started = false
	r.connected = false
	r.aiTyping = false
	r.typingAgent = ""
	r.mu.Unlock()

	if !wasStarted {
		return
	}
	cancel()
	unsubscribe()
	<-done
	r.channel.Disconnect()
	r.logger.Info("Room stopped")
	r.changed()
}

// Send posts text as the session's first agent and asks the other agent to
// respond.
func (r *Room) Send(ctx context.Context, text string) error {
	const op = "room.Send"
	if err := r.validate(op); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return apierr.Validation(op, "message is empty")
	}
	agentA, _, err := r.participants(op)
	if err != nil {
		return err
	}

	if err := r.channel.SendOnBehalf(ctx, r.id, agentA, text, true); err != nil {
		r.setError(err)
		return fmt.Errorf("send message: %w", err)
	}
	r.registry.Invalidate(r.id)
	r.mu.Lock()
	r.lastActivity = r.now()
	r.mu.Unlock()
	r.changed()
	return nil
}

// TriggerAI asks the session's second agent to respond.
func (r *Room) TriggerAI(ctx context.Context) error {
	const op = "room.TriggerAI"
	if err := r.validate(op); err != nil {
		return err
	}
	_, agentB, err := r.participants(op)
	if err != nil {
		return err
	}
	if err := r.channel.TriggerAI(ctx, r.id, agentB); err != nil {
		r.setError(err)
		return fmt.Errorf("trigger ai: %w", err)
	}
	return nil
}

func (r *Room) participants(op string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return "", "", apierr.Business(op, "session not loaded")
	}
	if !r.session.Active() {
		return "", "", apierr.Business(op, "session has ended")
	}
	return r.session.AgentAID, r.session.AgentBID, nil
}

// End closes the session on the backend.
func (r *Room) End(ctx context.Context) error {
	if err := r.validate("room.End"); err != nil {
		return err
	}
	if err := r.registry.EndSession(ctx, r.id); err != nil {
		r.setError(err)
		return err
	}
	r.markEnded()
	return nil
}

func (r *Room) markEnded() {
	r.mu.Lock()
	if r.session != nil {
		r.session.Status = domain.SessionEnded
	}
	r.aiTyping = false
	r.typingAgent = ""
	r.mu.Unlock()
	r.registry.Invalidate(r.id)
	r.changed()
}

// Snapshot returns a copy of the room state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() Snapshot {
	s := Snapshot{
		Messages:     append([]domain.ChatMessage(nil), r.messages...),
		Names:        make(map[string]string, len(r.names)),
		Connected:    r.connected,
		ConnErr:      r.connErr,
		AITyping:     r.aiTyping,
		TypingAgent:  r.typingAgent,
		LastActivity: r.lastActivity,
		LastError:    r.lastErr,
	}
	for id, name := range r.names {
		s.Names[id] = name
	}
	if r.session != nil {
		sess := *r.session
		s.Session = &sess
	}
	return s
}

// Transcript reports the stored transcript, or its absence with the current
// message count.
func (r *Room) Transcript(ctx context.Context) (*TranscriptResult, error) {
	if err := r.validate("room.Transcript"); err != nil {
		return nil, err
	}
	status, err := r.registry.TranscriptStatus(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if !status.Submitted && !status.StoredInDatabase {
		return &TranscriptResult{MessageCount: status.MessageCount}, nil
	}
	t, err := r.registry.Transcript(ctx, r.id)
	if err != nil {
		return nil, err
	}
	return &TranscriptResult{Available: true, MessageCount: t.MessageCount, Transcript: t}, nil
}

// GenerateTranscript asks the backend to build the transcript and fetches it
// once after the poll delay.
func (r *Room) GenerateTranscript(ctx context.Context) (*TranscriptResult, error) {
	if err := r.validate("room.GenerateTranscript"); err != nil {
		return nil, err
	}
	if err := r.registry.GenerateTranscript(ctx, r.id); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.opts.TranscriptPollDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return r.Transcript(ctx)
}

func (r *Room) consume(ctx context.Context, events <-chan realtime.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Room) ours(sessionID string) bool {
	return sessionID == "" || sessionID == r.id
}

func (r *Room) handle(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.NewMessage:
		r.receive(e.ChatLine, archive.KindMessage, false)
	case realtime.AIResponse:
		r.receive(e.ChatLine, archive.KindAI, true)
	case realtime.StreamedMessage:
		r.receive(e.ChatLine, archive.KindHistory, false)
	case realtime.AIThinking:
		if !r.ours(e.SessionID) {
			return
		}
		r.mu.Lock()
		r.aiTyping = true
		r.typingAgent = e.AgentID
		r.mu.Unlock()
	case realtime.AISkip:
		if !r.ours(e.SessionID) {
			return
		}
		r.mu.Lock()
		r.aiTyping = false
		r.typingAgent = ""
		r.mu.Unlock()
		r.logger.Debug("Agent skipped response", "agent_id", e.AgentID, "reason", e.Reason)
	case realtime.SessionEnded:
		if !r.ours(e.SessionID) {
			return
		}
		r.logger.Info("Session ended", "transcript_submitted", e.TranscriptSubmitted)
		r.markEnded()
		return
	case realtime.SessionStatus:
		if !r.ours(e.SessionID) {
			return
		}
		r.mu.Lock()
		if r.session != nil {
			r.session.Status = e.Status
			r.session.MessageCount = e.MessageCount
		}
		r.mu.Unlock()
	case realtime.ServerError:
		r.logger.Warn("Server reported error", "code", e.Code, "message", e.Message)
		r.setError(e)
		return
	case realtime.ConnectionChange:
		r.mu.Lock()
		r.connected = e.State == realtime.StateConnected
		r.connErr = e.Err
		if !r.connected {
			r.aiTyping = false
			r.typingAgent = ""
		}
		r.mu.Unlock()
	default:
		return
	}
	r.changed()
}

// receive folds one live or replayed message into the list.
func (r *Room) receive(line realtime.ChatLine, kind string, fromAI bool) {
	if !r.ours(line.SessionID) {
		return
	}
	msg := domain.ChatMessage{
		ID:          line.ID,
		SessionID:   r.id,
		FromAgentID: line.From,
		Text:        line.Message,
		Timestamp:   line.Timestamp,
		Metadata:    line.Metadata,
	}

	r.mu.Lock()
	added := r.foldLocked(msg)
	if fromAI {
		r.aiTyping = false
		r.typingAgent = ""
	}
	r.lastActivity = r.now()
	r.mu.Unlock()

	r.registry.Invalidate(r.id)
	if added && r.opts.Archive != nil {
		r.opts.Archive.Log(archive.Entry{
			SessionID: r.id,
			MessageID: msg.ID,
			From:      msg.FromAgentID,
			Kind:      kind,
			Message:   msg.Text,
			Timestamp: msg.Timestamp,
		})
	}
	r.changed()
}

// foldLocked appends m unless a message with the same id is already present.
func (r *Room) foldLocked(m domain.ChatMessage) bool {
	if m.ID != "" {
		if _, dup := r.seen[m.ID]; dup {
			return false
		}
		r.seen[m.ID] = struct{}{}
	}
	r.messages = append(r.messages, m)
	return true
}

func (r *Room) setError(err error) {
	var serr realtime.ServerError
	if errors.As(err, &serr) {
		r.mu.Lock()
		r.aiTyping = false
		r.typingAgent = ""
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.changed()
}

func (r *Room) changed() {
	if r.opts.OnChange == nil {
		return
	}
	r.opts.OnChange(r.Snapshot())
}
