package sandbox

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/ashureev/agentlink/internal/api"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/identity"
	"github.com/go-chi/chi/v5"
)

const refreshCookie = "refreshToken"

type registerRequest struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Tags     *domain.Tag `json:"tags"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		api.Error(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[req.Username]; exists {
		api.Error(w, http.StatusConflict, "Username already taken")
		return
	}
	if _, exists := s.emails[strings.ToLower(req.Email)]; exists {
		api.Error(w, http.StatusConflict, "Email already registered")
		return
	}

	var displayName string
	if req.Tags != nil && req.Tags.Key == "name" {
		displayName = req.Tags.Value
	}
	u := s.createUserLocked(req.Username, req.Email, req.Password, displayName)
	s.logger.Info("Sandbox user registered", "username", req.Username)
	api.JSON(w, http.StatusCreated, u.api)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := api.Decode(r, &creds); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	u := s.lookupUserLocked(creds.EmailOrUsername)
	s.mu.Unlock()

	if u == nil || u.password != creds.Password {
		api.Error(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.writeSession(w, u)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r)
	if token == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		api.Error(w, http.StatusUnauthorized, "Missing refresh token")
		return
	}
	claims, err := s.issuer.Parse(token)
	if err != nil {
		api.Error(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.mu.Lock()
	u := s.users[claims.Username]
	s.mu.Unlock()
	if u == nil {
		api.Error(w, http.StatusUnauthorized, "Unknown user")
		return
	}
	s.writeSession(w, u)
}

func (s *Server) writeSession(w http.ResponseWriter, u *user) {
	token, err := s.issuer.Issue(u.api.ID, u.api.Username)
	if err != nil {
		s.logger.Error("Failed to issue token", "username", u.api.Username, "error", err)
		api.Error(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	api.JSON(w, http.StatusOK, domain.AuthResponse{User: u.api, AccessToken: token})
}

func (s *Server) lookupUserLocked(emailOrUsername string) *user {
	if u, ok := s.users[emailOrUsername]; ok {
		return u
	}
	if name, ok := s.emails[strings.ToLower(emailOrUsername)]; ok {
		return s.users[name]
	}
	return nil
}

func (s *Server) handleUserWallet(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "id")

	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Wallet not found")
		return
	}
	api.JSON(w, http.StatusOK, domain.WalletInfo{ID: u.wallet})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]domain.Agent, 0, len(s.agents[owner]))
	for _, id := range s.agents[owner] {
		acct := s.accounts[id]
		balance := acct.Balance
		a := domain.Agent{
			ID:      "wallet-" + id,
			Owner:   owner,
			Type:    acct.Type,
			Account: domain.Account{ID: id, Balance: &balance},
		}
		if p, ok := s.profiles[id]; ok {
			a.Name = p.Name
			a.Purpose = p.Purpose
		}
		agents = append(agents, a)
	}
	api.JSON(w, http.StatusOK, agents)
}

type walletRequest struct {
	Type string `json:"type"`
}

type walletResponse struct {
	Wallet domain.Agent `json:"wallet"`
	DID    *string      `json:"did"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = "agent"
	}
	owner := identity.UsernameFromContext(r.Context())

	s.mu.Lock()
	acct := s.newAccountLocked(owner, req.Type)
	if req.Type == "agent" {
		s.agents[owner] = append(s.agents[owner], acct.ID)
	}
	s.mu.Unlock()

	balance := acct.Balance
	resp := walletResponse{
		Wallet: domain.Agent{
			ID:      "wallet-" + acct.ID,
			Owner:   owner,
			Type:    acct.Type,
			Account: domain.Account{ID: acct.ID, Balance: &balance},
		},
	}
	if r.URL.Query().Get("createDid") == "true" {
		did := s.issueDID(acct.ID)
		resp.DID = &did
	}
	s.logger.Info("Sandbox wallet created", "owner", owner, "account_id", acct.ID)
	api.JSON(w, http.StatusCreated, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	acct, ok := s.accounts[id]
	var balance float64
	if ok {
		balance = acct.Balance
	}
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Account not found")
		return
	}
	api.JSON(w, http.StatusOK, domain.AccountBalance{
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Balances:  []domain.BalanceEntry{{Account: id, Balance: balance}},
	})
}

func (s *Server) issueDID(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if did, ok := s.dids[accountID]; ok {
		return did
	}
	did := didFor(accountID)
	s.dids[accountID] = did
	return did
}

func (s *Server) handleIssueDID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	acct, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		api.Error(w, http.StatusNotFound, "Account not found")
		return
	}
	api.JSON(w, http.StatusCreated, map[string]string{
		"owner":  acct.Owner,
		"did_id": s.issueDID(id),
	})
}

type credentialRequest struct {
	Metadata string `json:"base64metadata"`
}

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req credentialRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.Metadata); err != nil || req.Metadata == "" {
		api.Error(w, http.StatusBadRequest, "base64metadata must be valid base64")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	did, ok := s.dids[id]
	if !ok {
		api.Error(w, http.StatusBadRequest, "DID not issued for account")
		return
	}
	s.credentials[id]++
	if p, ok := s.profiles[id]; ok {
		p.VCStatus = domain.VCStatusIssued
		p.Status = domain.AgentStatusOnline
	}
	api.JSON(w, http.StatusCreated, map[string]string{
		"subject": did,
		"status":  domain.VCStatusIssued,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.Profile(id)
	if !ok {
		api.Error(w, http.StatusNotFound, "Agent profile not found")
		return
	}
	api.JSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("agentAccountId")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "agentAccountId is required")
		return
	}
	var p domain.AgentProfile
	if err := api.Decode(r, &p); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if p.Name == "" {
		api.Error(w, http.StatusBadRequest, "agentName is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		api.Error(w, http.StatusNotFound, "Account not found")
		return
	}
	p.AccountID = id
	if owner, ok := s.users[acct.Owner]; ok {
		p.OwnerDID = owner.did
	}
	if p.DID == "" {
		p.DID = s.dids[id]
	}
	p.InboundTopic = s.newTopicLocked()
	p.OutboundTopic = s.newTopicLocked()
	p.CommTopic = s.newTopicLocked()

	stored := p
	s.profiles[id] = &stored
	s.logger.Info("Sandbox agent profile created", "account_id", id, "name", p.Name)
	api.JSON(w, http.StatusCreated, p)
}
