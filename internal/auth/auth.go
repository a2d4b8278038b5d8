// Package auth manages the signed-in session: credentials, the access
// token, and the persisted identity snapshot.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/store"
	"github.com/golang-jwt/jwt/v4"
)

// storedUser is the persisted identity snapshot.
type storedUser struct {
	domain.APIUser
	WalletAccountID *string  `json:"walletAccountId"`
	HbarBalance     *float64 `json:"hbarBalance"`
}

// storedCookie is a persisted session cookie, such as the refresh cookie
// the backend sets at sign-in.
type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Service is the session store.
type Service struct {
	api    *backend.Client
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	authenticated bool
	token         string
	identity      *domain.Identity
}

// New creates a session store backed by repo.
func New(api *backend.Client, repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:    api,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns the current access token, or "" when signed out.
func (s *Service) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether a session is active in this process.
func (s *Service) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Current returns a copy of the signed-in identity, or nil.
func (s *Service) Current() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// SignIn authenticates with the backend, enriches the identity with its
// ledger account and balance, and persists the session.
func (s *Service) SignIn(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	const op = "auth.SignIn"

	if s.Authenticated() {
		return nil, apierr.Business(op, "user is already logged in")
	}

	var resp domain.AuthResponse
	if err := s.api.Post(ctx, "auth/login", creds, &resp); err != nil {
		s.clear(ctx)
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if resp.AccessToken == "" {
		s.clear(ctx)
		return nil, &apierr.Error{Kind: apierr.KindServer, Op: op, Message: "login response carried no access token"}
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.mu.Unlock()

	accountID, balance := s.enrich(ctx, resp.User.Username)

	identity := domain.NewIdentity(resp.User)
	identity.AccountID = accountID
	identity.Balance = balance

	if err := s.persist(ctx, resp.AccessToken, resp.User, accountID, balance); err != nil {
		s.clear(ctx)
		return nil, fmt.Errorf("sign in: %w", err)
	}

	s.mu.Lock()
	s.authenticated = true
	s.identity = identity
	s.mu.Unlock()

	s.logger.Info("Signed in", "username", identity.Username, "account_id", deref(accountID))
	out := *identity
	return &out, nil
}

// SignUp registers a new user. It does not sign the user in.
func (s *Service) SignUp(ctx context.Context, reg domain.Registration) (*domain.Identity, error) {
	var user domain.APIUser
	if err := s.api.Post(ctx, "auth/register", reg, &user); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	s.logger.Info("Registered user", "username", user.Username)
	return domain.NewIdentity(user), nil
}

// Refresh exchanges the current session for a fresh access token. Any
// failure signs the user out.
func (s *Service) Refresh(ctx context.Context) (*domain.Identity, error) {
	var resp domain.AuthResponse
	if err := s.api.Post(ctx, "auth/refresh", struct{}{}, &resp); err != nil {
		s.logger.Warn("Token refresh failed, signing out", "error", err)
		s.clear(ctx)
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	prev := s.Current()
	identity := domain.NewIdentity(resp.User)
	if prev != nil && prev.ID == identity.ID {
		identity.AccountID = prev.AccountID
		identity.Balance = prev.Balance
	}

	if err := s.persist(ctx, resp.AccessToken, resp.User, identity.AccountID, identity.Balance); err != nil {
		s.clear(ctx)
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	s.mu.Lock()
	s.authenticated = true
	s.token = resp.AccessToken
	s.identity = identity
	s.mu.Unlock()

	out := *identity
	return &out, nil
}

// SignOut clears the in-process session and the persisted artifacts.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.authenticated = false
	s.token = ""
	s.identity = nil
	s.mu.Unlock()

	if err := s.repo.Delete(ctx, store.KeyAccessToken, store.KeyCurrentUser, store.KeySessionCookies); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Check reports whether a usable session exists, restoring it from storage
// when needed. Partial, expired, or unreadable artifacts are purged.
func (s *Service) Check(ctx context.Context) bool {
	if s.Authenticated() {
		return true
	}

	token, hasToken, err := s.repo.Get(ctx, store.KeyAccessToken)
	if err != nil {
		s.logger.Warn("Failed to read stored token", "error", err)
		return false
	}
	raw, hasUser, err := s.repo.Get(ctx, store.KeyCurrentUser)
	if err != nil {
		s.logger.Warn("Failed to read stored identity", "error", err)
		return false
	}

	if !hasToken && !hasUser {
		return false
	}
	if !hasToken || !hasUser || token == "" {
		s.logger.Info("Purging incomplete stored session")
		s.clear(ctx)
		return false
	}
	if s.tokenExpired(token) {
		s.logger.Info("Stored token expired")
		s.clear(ctx)
		return false
	}

	var snap storedUser
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.Username == "" {
		s.logger.Warn("Stored identity unreadable", "error", err)
		s.clear(ctx)
		return false
	}

	identity := domain.NewIdentity(snap.APIUser)
	identity.AccountID = snap.WalletAccountID
	identity.Balance = snap.HbarBalance

	s.restoreCookies(ctx)

	s.mu.Lock()
	s.authenticated = true
	s.token = token
	s.identity = identity
	s.mu.Unlock()
	return true
}

// restoreCookies loads the cookies saved with the session so a refresh works
// from a new process. Unreadable cookies are dropped.
func (s *Service) restoreCookies(ctx context.Context) {
	raw, ok, err := s.repo.Get(ctx, store.KeySessionCookies)
	if err != nil || !ok {
		return
	}
	var saved []storedCookie
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		s.logger.Warn("Stored session cookies unreadable", "error", err)
		return
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	s.api.SetCookies(cookies)
}

// tokenExpired reads the exp claim without verifying the signature. Tokens
// that cannot be parsed or carry no exp are treated as expired.
func (s *Service) tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	return !claims.VerifyExpiresAt(s.now().Unix(), true)
}

// enrich resolves the ledger account and balance. Failures degrade to nil.
func (s *Service) enrich(ctx context.Context, username string) (*string, *float64) {
	var wallet domain.WalletInfo
	if err := s.api.Get(ctx, "wallets/"+backend.PathEscape(username), &wallet); err != nil {
		s.logger.Warn("Failed to resolve wallet account", "username", username, "error", err)
		return nil, nil
	}
	if wallet.ID == "" {
		return nil, nil
	}
	accountID := wallet.ID

	var bal domain.AccountBalance
	if err := s.api.Get(ctx, "balance/"+backend.PathEscape(accountID)+"?isHbar=true", &bal); err != nil {
		s.logger.Warn("Failed to resolve account balance", "account_id", accountID, "error", err)
		return &accountID, nil
	}
	if len(bal.Balances) == 0 {
		return &accountID, nil
	}
	balance := bal.Balances[0].Balance
	return &accountID, &balance
}

func (s *Service) persist(ctx context.Context, token string, user domain.APIUser, accountID *string, balance *float64) error {
	data, err := json.Marshal(storedUser{APIUser: user, WalletAccountID: accountID, HbarBalance: balance})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.repo.Put(ctx, store.KeyAccessToken, token); err != nil {
		return err
	}
	if err := s.repo.Put(ctx, store.KeyCurrentUser, string(data)); err != nil {
		return err
	}

	var saved []storedCookie
	for _, c := range s.api.Cookies() {
		saved = append(saved, storedCookie{Name: c.Name, Value: c.Value})
	}
	if len(saved) == 0 {
		return s.repo.Delete(ctx, store.KeySessionCookies)
	}
	cookies, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("encode session cookies: %w", err)
	}
	return s.repo.Put(ctx, store.KeySessionCookies, string(cookies))
}

func (s *Service) clear(ctx context.Context) {
	if err := s.SignOut(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("Failed to clear session", "error", err)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
