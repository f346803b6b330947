package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockrecon/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password, "password must be upgraded from plain text")
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"), "expected bcrypt hash, got %s", users[0].Password)
	assert.GreaterOrEqual(t, store.updates, 1)
}

func TestEnsureUserStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)

	created, err := manager.EnsureUser(context.Background(), "Auditor", "pass12345", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, created)

	saved := store.users["auditor"]
	assert.NotEqual(t, "pass12345", saved.Password)
	assert.True(t, strings.HasPrefix(saved.Password, "$2"))

	created, err = manager.EnsureUser(context.Background(), "auditor", "other-pass", domain.RoleAdmin)
	require.NoError(t, err)
	assert.False(t, created, "existing users are left alone")

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "auditor", Password: "pass12345"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, resp.Role)

	_, err = manager.EnsureUser(context.Background(), "short", "abc", domain.RoleStaff)
	assert.Error(t, err)
	_, err = manager.EnsureUser(context.Background(), "cashier", "pass12345", "cashier")
	assert.Error(t, err)
}

func TestParseTokenRoundTripAndRejectsForeignSecret(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, nil)
	token, err := manager.sign("clerk", domain.RoleStaff, time.Now().Add(time.Minute))
	require.NoError(t, err)

	actor, err := manager.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "clerk", Role: domain.RoleStaff}, actor)

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, nil)
	_, err = other.ParseToken(token)
	assert.Error(t, err)

	expired, err := manager.sign("clerk", domain.RoleStaff, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = manager.ParseToken(expired)
	assert.Error(t, err)
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	hash, err := hashPassword("secret-pass")
	require.NoError(t, err)
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"gone": {Username: "gone", Password: hash, Role: domain.RoleStaff, Active: false},
	}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "secret-pass"})
	assert.EqualError(t, err, "account is inactive")

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "wrong"})
	assert.EqualError(t, err, "invalid credentials")
}
