// Package directory lists the signed-in user's agents with their profiles
// and live balances.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/cache"
	"github.com/ashureev/agentlink/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultTTL is how long a fetched agent list is served from cache.
const DefaultTTL = 30 * time.Second

const fetchConcurrency = 8

// Session exposes the signed-in identity.
type Session interface {
	Current() *domain.Identity
}

// Service is the agent directory.
type Service struct {
	api     *backend.Client
	session Session
	logger  *slog.Logger
	ttl     time.Duration
	lists   *cache.TTL[[]domain.AgentListItem]
}

// New creates a directory. A non-positive ttl uses DefaultTTL.
func New(api *backend.Client, session Session, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		api:     api,
		session: session,
		logger:  logger,
		ttl:     ttl,
		lists:   cache.New[[]domain.AgentListItem]("agents"),
	}
}

// ListAgents returns the signed-in user's agents. Concurrent callers share
// one fetch and results are cached for the configured TTL.
func (s *Service) ListAgents(ctx context.Context) ([]domain.AgentListItem, error) {
	const op = "directory.ListAgents"

	ident := s.session.Current()
	if ident == nil {
		return nil, apierr.New(apierr.KindAuth, op, "not signed in")
	}
	owner := ident.Username

	items, err := s.lists.GetOrLoad(ctx, owner, s.ttl, func(ctx context.Context) ([]domain.AgentListItem, error) {
		return s.fetch(ctx, owner)
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return append([]domain.AgentListItem(nil), items...), nil
}

// AgentByAccount finds one agent in the listing.
func (s *Service) AgentByAccount(ctx context.Context, accountID string) (*domain.AgentListItem, error) {
	items, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Account.ID == accountID {
			return &items[i], nil
		}
	}
	return nil, apierr.New(apierr.KindNotFound, "directory.AgentByAccount", "agent "+accountID+" not found")
}

// Profile fetches one agent profile, falling back to the default profile on
// any error.
func (s *Service) Profile(ctx context.Context, accountID string) domain.AgentProfile {
	p, err := s.profile(ctx, accountID)
	if err != nil {
		s.logger.Warn("Failed to fetch agent profile", "account_id", accountID, "error", err)
		return domain.DefaultProfile(accountID, nil)
	}
	return p
}

// Invalidate drops every cached listing.
func (s *Service) Invalidate() {
	s.lists.InvalidateAll()
	s.logger.Debug("Agent directory invalidated")
}

func (s *Service) fetch(ctx context.Context, owner string) ([]domain.AgentListItem, error) {
	var agents []domain.Agent
	if err := s.api.Get(ctx, "wallets/"+backend.PathEscape(owner, "agents"), &agents); err != nil {
		return nil, err
	}

	items := make([]domain.AgentListItem, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i := range agents {
		basic := agents[i]
		if basic.Account.ID == "" {
			items[i] = domain.AgentListItem{
				AgentProfile: domain.DefaultProfile(domain.NotAvailable, &basic),
				Account:      domain.Account{ID: domain.NotAvailable},
			}
			continue
		}
		g.Go(func() error {
			items[i] = s.merge(gctx, basic)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("Fetched agent directory", "owner", owner, "count", len(items))
	return items, nil
}

// merge fetches profile and balance concurrently. Either failing yields the
// default profile with no balance.
func (s *Service) merge(ctx context.Context, basic domain.Agent) domain.AgentListItem {
	id := basic.Account.ID

	var (
		profile domain.AgentProfile
		balance float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.profile(gctx, id)
		profile = p
		return err
	})
	g.Go(func() error {
		b, err := s.balance(gctx, id)
		balance = b
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Agent details unavailable, using default profile", "account_id", id, "error", err)
		return domain.AgentListItem{
			AgentProfile: domain.DefaultProfile(id, &basic),
			Account:      domain.Account{ID: id},
		}
	}
	return domain.AgentListItem{
		AgentProfile: profile,
		Account:      domain.Account{ID: id, Balance: &balance},
	}
}

func (s *Service) profile(ctx context.Context, accountID string) (domain.AgentProfile, error) {
	var p domain.AgentProfile
	if err := s.api.Get(ctx, "agent-profile/"+backend.PathEscape(accountID), &p); err != nil {
		return domain.AgentProfile{}, err
	}
	if p.AccountID == "" {
		p.AccountID = accountID
	}
	return p, nil
}

func (s *Service) balance(ctx context.Context, accountID string) (float64, error) {
	var bal domain.AccountBalance
	if err := s.api.Get(ctx, "balance/"+backend.PathEscape(accountID)+"?isHbar=true", &bal); err != nil {
		return 0, err
	}
	if len(bal.Balances) == 0 {
		return 0, apierr.New(apierr.KindServer, "directory.balance", "no balance entries for "+accountID)
	}
	return bal.Balances[0].Balance, nil
}
