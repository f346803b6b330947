package cache

import (
	"context"
	"time"

	"stockrecon/backend/internal/domain"
)

// SessionCache holds the in-progress control session per branch for read
// paths. It is never consulted when enforcing the one-session rule.
type SessionCache interface {
	Get(ctx context.Context, branchID string) (*domain.ControlSession, bool, error)
	Set(ctx context.Context, branchID string, session *domain.ControlSession, ttl time.Duration) error
	Delete(ctx context.Context, branchID string) error
}

type NoopSessionCache struct{}

func (NoopSessionCache) Get(_ context.Context, _ string) (*domain.ControlSession, bool, error) {
	return nil, false, nil
}

func (NoopSessionCache) Set(_ context.Context, _ string, _ *domain.ControlSession, _ time.Duration) error {
	return nil
}

func (NoopSessionCache) Delete(_ context.Context, _ string) error {
	return nil
}
