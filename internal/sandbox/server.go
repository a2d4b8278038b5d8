// Package sandbox serves an in-memory rendition of the platform REST and
// WebSocket API for local runs and tests.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/identity"
	"github.com/ashureev/agentlink/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Route prefixes served by the sandbox.
const (
	APIPrefix = "/api"
	ChatPath  = "/api/agent-chat"
	WSPath    = "/agent-chat"
)

const startingBalance = 100.0

// Options configures a Server.
type Options struct {
	JWTSecret      string
	TokenTTL       time.Duration
	AIDelay        time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

type account struct {
	ID      string
	Owner   string
	Type    string
	Balance float64
}

type user struct {
	api      domain.APIUser
	password string
	wallet   string
	did      string
}

type transcriptRecord struct {
	transcript domain.Transcript
	submitted  time.Time
	txID       string
}

// Server is the sandbox backend.
type Server struct {
	opts   Options
	logger *slog.Logger
	issuer *identity.Issuer
	faults *middleware.Faults
	hub    *Hub
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	users       map[string]*user
	emails      map[string]string
	accounts    map[string]*account
	agents      map[string][]string
	dids        map[string]string
	profiles    map[string]*domain.AgentProfile
	credentials map[string]int
	sessions    map[string]*domain.ChatSession
	order       []string
	messages    map[string][]domain.ChatMessage
	transcripts map[string]*transcriptRecord
	nextAccount int
	nextTopic   int
}

// New creates an empty sandbox.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.JWTSecret == "" {
		opts.JWTSecret = "sandbox-secret"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:        opts,
		logger:      logger,
		issuer:      identity.NewIssuer(opts.JWTSecret, opts.TokenTTL),
		faults:      middleware.NewFaults(),
		hub:         NewHub(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		users:       make(map[string]*user),
		emails:      make(map[string]string),
		accounts:    make(map[string]*account),
		agents:      make(map[string][]string),
		dids:        make(map[string]string),
		profiles:    make(map[string]*domain.AgentProfile),
		credentials: make(map[string]int),
		sessions:    make(map[string]*domain.ChatSession),
		messages:    make(map[string][]domain.ChatMessage),
		transcripts: make(map[string]*transcriptRecord),
		nextAccount: 1000,
		nextTopic:   5000,
	}
}

// Handler returns the HTTP handler serving REST and WebSocket routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.opts.AllowedOrigins))
	r.Use(s.faults.Middleware)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(s.issuer))

			r.Get("/wallets/{id}", s.handleUserWallet)
			r.Get("/wallets/{id}/agents", s.handleListAgents)
			r.Post("/wallets", s.handleCreateWallet)
			r.Get("/balance/{id}", s.handleBalance)
			r.Post("/identities/{id}", s.handleIssueDID)
			r.Post("/identities/credentials/{id}", s.handleIssueCredential)
			r.Get("/agent-profile/{id}", s.handleGetProfile)
			r.Post("/agent-profile", s.handleCreateProfile)

			r.Route("/agent-chat/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Get("/", s.handleListSessions)
				r.Get("/{id}", s.handleGetSession)
				r.Delete("/{id}", s.handleEndSession)
				r.Get("/{id}/messages", s.handleMessages)
				r.Get("/{id}/transcript-status", s.handleTranscriptStatus)
				r.Get("/{id}/transcript", s.handleTranscript)
				r.Post("/{id}/generate-transcript", s.handleGenerateTranscript)
			})
		})
	})

	r.With(identity.Middleware(s.issuer)).Get(WSPath, s.serveWS)
	return r
}

// Close stops background work and closes open WebSocket connections.
func (s *Server) Close() {
	s.cancel()
	s.hub.CloseAll("sandbox shutting down")
	s.wg.Wait()
}

// FailNext makes the next n requests to method+path fail with status.
func (s *Server) FailNext(method, path string, n, status int) {
	s.faults.FailNext(method, path, n, status, "")
}

// Calls returns how many requests reached method+path.
func (s *Server) Calls(method, path string) int {
	return s.faults.Calls(method, path)
}

// TotalCalls returns the number of requests served.
func (s *Server) TotalCalls() int {
	return s.faults.Total()
}

// Endpoints derives the client URLs for a sandbox served at baseURL.
func Endpoints(baseURL string) (apiURL, chatURL, wsURL string) {
	base := strings.TrimSuffix(baseURL, "/")
	ws := "ws" + strings.TrimPrefix(base, "http")
	return base + APIPrefix + "/", base + ChatPath, ws + WSPath
}

// SeedUser registers a user directly and returns its wallet account id.
func (s *Server) SeedUser(username, email, password, displayName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.createUserLocked(username, email, password, displayName)
	return u.wallet
}

// SeedAgent creates a fully provisioned agent owned by username and returns
// its account id. Empty DID fields in profile are filled in.
func (s *Server) SeedAgent(owner string, profile domain.AgentProfile) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.newAccountLocked(owner, "agent")
	s.agents[owner] = append(s.agents[owner], acct.ID)

	profile.AccountID = acct.ID
	if profile.DID == "" {
		profile.DID = didFor(acct.ID)
		s.dids[acct.ID] = profile.DID
	}
	if profile.OwnerDID == "" {
		if u, ok := s.users[owner]; ok {
			profile.OwnerDID = u.did
		}
	}
	if profile.Status == "" {
		profile.Status = domain.AgentStatusOnline
	}
	if profile.VCStatus == "" {
		profile.VCStatus = domain.VCStatusIssued
	}
	if profile.CommTopic == "" {
		profile.CommTopic = s.newTopicLocked()
	}
	p := profile
	s.profiles[acct.ID] = &p
	return acct.ID
}

// SeedBareAgent lists an agent wallet under owner without a profile.
func (s *Server) SeedBareAgent(owner string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.newAccountLocked(owner, "agent")
	s.agents[owner] = append(s.agents[owner], acct.ID)
	return acct.ID
}

// SeedSession opens an active session between two seeded agents.
func (s *Server) SeedSession(agentA, agentB string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, okA := s.profiles[agentA]
	_, okB := s.profiles[agentB]
	if !okA || !okB {
		return "", fmt.Errorf("seed session: unknown agent %s or %s", agentA, agentB)
	}
	now := s.now().UTC()
	sess := &domain.ChatSession{
		SessionID: uuid.NewString(),
		AgentAID:  agentA,
		AgentBID:  agentB,
		Status:    domain.SessionActive,
		CommTopic: a.CommTopic,
		Metadata:  domain.SessionMetadata{LastActivity: now},
		CreatedAt: now,
	}
	s.sessions[sess.SessionID] = sess
	s.order = append(s.order, sess.SessionID)
	return sess.SessionID, nil
}

// Messages returns a copy of the stored messages of a session.
func (s *Server) Messages(sessionID string) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.messages[sessionID]...)
}

// Profile returns a copy of the stored profile for accountID.
func (s *Server) Profile(accountID string) (domain.AgentProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return domain.AgentProfile{}, false
	}
	return *p, true
}

// DID returns the DID issued for accountID.
func (s *Server) DID(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dids[accountID]
}

// CredentialAttempts returns how many credential issuance calls succeeded
// for accountID.
func (s *Server) CredentialAttempts(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials[accountID]
}

// AgentsOf returns the agent account ids listed under owner.
func (s *Server) AgentsOf(owner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.agents[owner]...)
}

func (s *Server) createUserLocked(username, email, password, displayName string) *user {
	var tags []string
	if displayName != "" {
		tags = []string{fmt.Sprintf(`{"name":%q}`, displayName)}
	}
	u := &user{
		api: domain.APIUser{
			ID:        uuid.NewString(),
			Email:     email,
			Username:  username,
			Confirmed: true,
			Type:      "user",
			Role:      "user",
			Tags:      tags,
		},
		password: password,
	}
	acct := s.newAccountLocked(username, "user")
	u.wallet = acct.ID
	u.did = didFor(acct.ID)
	s.users[username] = u
	if email != "" {
		s.emails[strings.ToLower(email)] = username
	}
	return u
}

func (s *Server) newAccountLocked(owner, typ string) *account {
	s.nextAccount++
	acct := &account{
		ID:      fmt.Sprintf("0.0.%d", s.nextAccount),
		Owner:   owner,
		Type:    typ,
		Balance: startingBalance,
	}
	s.accounts[acct.ID] = acct
	return acct
}

func (s *Server) newTopicLocked() string {
	s.nextTopic++
	return fmt.Sprintf("0.0.%d", s.nextTopic)
}

func didFor(accountID string) string {
	return "did:hedera:testnet:" + accountID
}

// goBackground runs fn until the server closes.
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
