package services

import (
	"context"
	"strings"
	"testing"

	"github.com/Tamnud-ghule/KUINBEE/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewUserService(newFakeUsers(), nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, types.User{Username: " dana ", Email: "dana@example.com", Company: "Acme"}, "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "dana", user.Username)
	assert.Equal(t, "user", user.Role)
	assert.NotEqual(t, "hunter22", user.PasswordHash)

	got, err := svc.Authenticate(ctx, "dana", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, "dana", "wrong")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = svc.Authenticate(ctx, "nobody", "hunter22")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.Register(ctx, types.User{Username: "dana", Email: "other@example.com"}, "pw")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.Register(ctx, types.User{Username: "eve", Email: "not-an-email"}, "pw")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAPIKeyLifecycle(t *testing.T) {
	users := newFakeUsers(types.User{ID: 5, Username: "ops", Email: "ops@example.com"})
	svc := NewUserService(users, nil)
	ctx := context.Background()

	key, err := svc.IssueAPIKey(ctx, 5)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "kb_"))

	stored, _ := users.GetByID(ctx, 5)
	assert.Equal(t, HashAPIKey(key), stored.APIKeyHash)
	assert.NotContains(t, stored.APIKeyHash, key)

	user, err := svc.AuthenticateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, user.ID)

	rotated, err := svc.IssueAPIKey(ctx, 5)
	require.NoError(t, err)
	_, err = svc.AuthenticateAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrNotAuthorized, "issuing a new key revokes the old one")
	_, err = svc.AuthenticateAPIKey(ctx, rotated)
	assert.NoError(t, err)

	_, err = svc.AuthenticateAPIKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.IssueAPIKey(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisabledUsersCannotAuthenticate(t *testing.T) {
	users := newFakeUsers()
	svc := NewUserService(users, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, types.User{Username: "frank", Email: "frank@example.com"}, "pw")
	require.NoError(t, err)
	key, err := svc.IssueAPIKey(ctx, user.ID)
	require.NoError(t, err)

	stored, _ := users.GetByID(ctx, user.ID)
	stored.Disabled = true
	_, err = users.Update(ctx, stored)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "frank", "pw")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = svc.AuthenticateAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestUpdateProfileKeepsIdentity(t *testing.T) {
	users := newFakeUsers(types.User{ID: 1, Username: "gina", Email: "gina@example.com"})
	svc := NewUserService(users, nil)

	updated, err := svc.UpdateProfile(context.Background(), 1, " Gina ", "Lee", "Data Co")
	require.NoError(t, err)
	assert.Equal(t, "Gina", updated.FirstName)
	assert.Equal(t, "gina", updated.Username)
	assert.Equal(t, "gina@example.com", updated.Email)
}
