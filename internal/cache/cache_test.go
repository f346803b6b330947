package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockrecon/backend/internal/domain"
)

func TestNoopSessionCacheAlwaysMisses(t *testing.T) {
	c := NoopSessionCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "B1", &domain.ControlSession{ID: "cs-1"}, time.Minute))
	got, ok, err := c.Get(ctx, "B1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, "B1"))
}

func TestActiveSessionKeyIsNamespaced(t *testing.T) {
	assert.Equal(t, "stockrecon:active-session:B1", activeSessionKey("B1"))
}

func TestRedisSessionCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("STOCKRECON_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKRECON_TEST_REDIS_ADDR not set")
	}

	c := NewRedisSessionCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	branchID := "test-branch-" + time.Now().UTC().Format("150405.000000")
	t.Cleanup(func() { _ = c.Delete(context.Background(), branchID) })

	session := &domain.ControlSession{ID: "cs-1", BranchID: branchID, Status: domain.SessionStatusInProgress, StartedAt: time.Now().UTC()}
	require.NoError(t, c.Set(ctx, branchID, session, time.Minute))

	got, ok, err := c.Get(ctx, branchID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cs-1", got.ID)

	require.NoError(t, c.Delete(ctx, branchID))
	_, ok, err = c.Get(ctx, branchID)
	require.NoError(t, err)
	assert.False(t, ok)
}
