package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockrecon/backend/internal/cache"
	"stockrecon/backend/internal/domain"
	"stockrecon/backend/internal/events"
	"stockrecon/backend/internal/reconcile"
	"stockrecon/backend/internal/store"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	calculator      *reconcile.Calculator
	catalog         Catalog
	sessions        cache.SessionCache
	sessionCacheTTL time.Duration
	publisher       events.Publisher
	chunkSize       int
	defaultBranchID string
	now             func() time.Time
}

func New(repo store.Repository, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}

	return &Service{
		repo:            repo,
		calculator:      reconcile.NewCalculator(repo),
		catalog:         NewRepositoryCatalog(repo),
		sessions:        cache.NoopSessionCache{},
		sessionCacheTTL: 15 * time.Second,
		publisher:       events.NoopPublisher{},
		defaultBranchID: defaultBranchID,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithCatalog replaces the repository-backed product catalog.
func (s *Service) WithCatalog(catalog Catalog) *Service {
	if catalog != nil {
		s.catalog = catalog
	}
	return s
}

func (s *Service) WithSessionCache(sessions cache.SessionCache, ttl time.Duration) *Service {
	if sessions != nil {
		s.sessions = sessions
	}
	if ttl > 0 {
		s.sessionCacheTTL = ttl
	}
	return s
}

func (s *Service) WithPublisher(publisher events.Publisher) *Service {
	if publisher != nil {
		s.publisher = publisher
	}
	return s
}

// WithChunkSize splits authorizations into units of at most size lines.
// Zero or negative applies every line in a single unit.
func (s *Service) WithChunkSize(size int) *Service {
	s.chunkSize = size
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) DefaultBranchID() string {
	return s.defaultBranchID
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, fmt.Errorf("%w: authenticated user required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) branchOrDefault(branchID string) string {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return s.defaultBranchID
	}
	return branchID
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func clampLimit(limit int, fallback int, max int) int {
	if limit <= 0 {
		limit = fallback
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
