// Package chat manages agent-to-agent chat sessions over the REST API.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/cache"
	"github.com/ashureev/agentlink/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultTTL is how long a fetched session is served from cache.
const DefaultTTL = 30 * time.Second

const allSessionsKey = "all"

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// Registry creates, lists and ends chat sessions.
type Registry struct {
	chat     *backend.Client
	api      *backend.Client
	logger   *slog.Logger
	ttl      time.Duration
	sessions *cache.TTL[domain.ChatSession]
	lists    *cache.TTL[[]domain.ChatSession]
}

// New creates a registry. chat is rooted at the agent-chat API and api at
// the platform API used for profile lookups.
func New(chat, api *backend.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		chat:     chat,
		api:      api,
		logger:   logger,
		ttl:      ttl,
		sessions: cache.New[domain.ChatSession]("sessions"),
		lists:    cache.New[[]domain.ChatSession]("session-lists"),
	}
}

func validateID(op, id string) error {
	if !domain.ValidSessionID(id) {
		return apierr.Validation(op, fmt.Sprintf("invalid session id %q", id))
	}
	return nil
}

func sessionPath(id string, rest ...string) string {
	return "sessions/" + backend.PathEscape(append([]string{id}, rest...)...)
}

func unwrap[T any](op string, env envelope[T]) (T, error) {
	if !env.Success {
		var zero T
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return zero, apierr.Business(op, msg)
	}
	return env.Data, nil
}

// CreateSession opens a session between agents a and b. preferred selects
// whose topic carries the conversation and may be empty.
func (r *Registry) CreateSession(ctx context.Context, a, b, preferred string) (*domain.CreatedSession, error) {
	const op = "chat.CreateSession"

	if a == "" || b == "" {
		return nil, apierr.Validation(op, "select two agents")
	}
	if a == b {
		return nil, apierr.Validation(op, "select a different agent")
	}
	if preferred != "" && preferred != domain.TopicAgent1 && preferred != domain.TopicAgent2 {
		return nil, apierr.Validation(op, "preferred topic must be agent1 or agent2")
	}

	var env envelope[domain.CreatedSession]
	req := domain.CreateSessionRequest{AgentAID: a, AgentBID: b, PreferredTopic: preferred}
	if err := r.chat.Post(ctx, "sessions", req, &env); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	created, err := unwrap(op, env)
	if err != nil {
		return nil, err
	}
	if created.SessionID == "" {
		return nil, apierr.New(apierr.KindServer, op, "create response carried no session id")
	}

	r.lists.InvalidateAll()
	r.sessions.Invalidate(created.SessionID)
	r.logger.Info("Chat session created", "session_id", created.SessionID, "agent_a", a, "agent_b", b)
	return &created, nil
}

// ListSessions returns sessions, optionally filtered by status. The
// unfiltered list is cached.
func (r *Registry) ListSessions(ctx context.Context, status string) ([]domain.ChatSession, error) {
	const op = "chat.ListSessions"

	fetch := func(ctx context.Context) ([]domain.ChatSession, error) {
		path := "sessions"
		if status != "" {
			path += "?status=" + backend.PathEscape(status)
		}
		var env envelope[[]domain.ChatSession]
		if err := r.chat.Get(ctx, path, &env); err != nil {
			return nil, err
		}
		return unwrap(op, env)
	}

	if status != "" {
		list, err := fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		return list, nil
	}

	list, err := r.lists.GetOrLoad(ctx, allSessionsKey, r.ttl, fetch)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return append([]domain.ChatSession(nil), list...), nil
}

// GetSession returns one session, served from cache for a short TTL.
func (r *Registry) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	const op = "chat.GetSession"
	if err := validateID(op, id); err != nil {
		return nil, err
	}

	sess, err := r.sessions.GetOrLoad(ctx, id, r.ttl, func(ctx context.Context) (domain.ChatSession, error) {
		var env envelope[domain.ChatSession]
		if err := r.chat.Get(ctx, sessionPath(id), &env); err != nil {
			return domain.ChatSession{}, err
		}
		return unwrap(op, env)
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// EndSession closes a session.
func (r *Registry) EndSession(ctx context.Context, id string) error {
	const op = "chat.EndSession"
	if err := validateID(op, id); err != nil {
		return err
	}

	var env envelope[map[string]string]
	err := r.chat.Delete(ctx, sessionPath(id), &env)
	r.sessions.Invalidate(id)
	r.lists.InvalidateAll()
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if _, err := unwrap(op, env); err != nil {
		return err
	}
	r.logger.Info("Chat session ended", "session_id", id)
	return nil
}

// Invalidate drops the cached copy of a session.
func (r *Registry) Invalidate(id string) {
	r.sessions.Invalidate(id)
}

// Messages returns the stored history of a session.
func (r *Registry) Messages(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	const op = "chat.Messages"
	if err := validateID(op, id); err != nil {
		return nil, err
	}
	var env envelope[[]domain.ChatMessage]
	if err := r.chat.Get(ctx, sessionPath(id, "messages"), &env); err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	return unwrap(op, env)
}

// TranscriptStatus reports whether the transcript of a session is stored.
func (r *Registry) TranscriptStatus(ctx context.Context, id string) (*domain.TranscriptStatus, error) {
	const op = "chat.TranscriptStatus"
	if err := validateID(op, id); err != nil {
		return nil, err
	}
	var env envelope[domain.TranscriptStatus]
	if err := r.chat.Get(ctx, sessionPath(id, "transcript-status"), &env); err != nil {
		return nil, fmt.Errorf("transcript status: %w", err)
	}
	st, err := unwrap(op, env)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Transcript fetches a stored transcript.
func (r *Registry) Transcript(ctx context.Context, id string) (*domain.Transcript, error) {
	const op = "chat.Transcript"
	if err := validateID(op, id); err != nil {
		return nil, err
	}
	var env envelope[domain.Transcript]
	if err := r.chat.Get(ctx, sessionPath(id, "transcript"), &env); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	t, err := unwrap(op, env)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GenerateTranscript asks the backend to build and store a transcript.
func (r *Registry) GenerateTranscript(ctx context.Context, id string) error {
	const op = "chat.GenerateTranscript"
	if err := validateID(op, id); err != nil {
		return err
	}
	var env envelope[map[string]string]
	if err := r.chat.Post(ctx, sessionPath(id, "generate-transcript"), struct{}{}, &env); err != nil {
		return fmt.Errorf("generate transcript: %w", err)
	}
	_, err := unwrap(op, env)
	return err
}

// Verify checks that both agents carry a DID and an owner DID.
func (r *Registry) Verify(ctx context.Context, a, b string) error {
	const op = "chat.Verify"

	ids := []string{a, b}
	profiles := make([]domain.AgentProfile, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			return r.api.Get(gctx, "agent-profile/"+backend.PathEscape(id), &profiles[i])
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("verify agents: %w", err)
	}

	var problems []string
	for i, p := range profiles {
		if missing := p.MissingIdentity(); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("%s lacks %s", ids[i], strings.Join(missing, " and ")))
		}
	}
	if len(problems) > 0 {
		return apierr.Business(op, "insufficient verified identities: "+strings.Join(problems, "; "))
	}
	return nil
}

// FormatTitle builds the display title of a session from its agent ids.
func FormatTitle(a, b string) string {
	return "Agent " + lastSegment(a) + " & Agent " + lastSegment(b)
}

func lastSegment(accountID string) string {
	if i := strings.LastIndex(accountID, "."); i >= 0 && i < len(accountID)-1 {
		return accountID[i+1:]
	}
	return accountID
}

// OtherAgent returns the participant of sess that is not self.
func OtherAgent(sess *domain.ChatSession, self string) string {
	if sess.AgentAID == self {
		return sess.AgentBID
	}
	return sess.AgentAID
}
