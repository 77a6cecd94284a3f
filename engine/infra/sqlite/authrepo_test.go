package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/core"
)

func newTestAuthRepo(ctx context.Context, t *testing.T) auth.Repository {
	t.Helper()
	s := newTestStore(ctx, t)
	return NewAuthRepo(s.DB())
}

func newUser(t *testing.T, username string, role auth.Role) *auth.User {
	t.Helper()
	return &auth.User{
		ID:        core.MustNewID(),
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
}

func TestAuthRepo_Users(t *testing.T) {
	t.Run("Should create and fetch a user by id and username", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		u := newUser(t, "alice", auth.RoleUser)
		require.NoError(t, r.CreateUser(ctx, u))

		byID, err := r.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Username)
		assert.Equal(t, auth.RoleUser, byID.Role)

		byName, err := r.GetUserByUsername(ctx, "ALICE")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byName.ID)
	})

	t.Run("Should return ErrUserNotFound for unknown users", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		_, err := r.GetUserByID(ctx, core.MustNewID())
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
	})

	t.Run("Should reject duplicate usernames", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		require.NoError(t, r.CreateUser(ctx, newUser(t, "bob", auth.RoleUser)))
		err := r.CreateUser(ctx, newUser(t, "bob", auth.RoleUser))
		assert.Error(t, err)
	})
}

func TestAuthRepo_APIKeys(t *testing.T) {
	t.Run("Should round-trip a key by fingerprint", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		u := newUser(t, "alice", auth.RoleUser)
		require.NoError(t, r.CreateUser(ctx, u))

		fp := auth.Fingerprint("sk-test")
		key := &auth.APIKey{
			ID:          core.MustNewID(),
			UserID:      u.ID,
			Name:        "ci",
			Fingerprint: fp,
			Prefix:      "sk-test"[:7],
			CreatedAt:   time.Now().UTC(),
		}
		require.NoError(t, r.CreateAPIKey(ctx, key))

		got, err := r.GetAPIKeyByFingerprint(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.Equal(t, u.ID, got.UserID)
		assert.False(t, got.Revoked)
		assert.Nil(t, got.LastUsed)
	})

	t.Run("Should stamp last_used and revoke", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		u := newUser(t, "alice", auth.RoleUser)
		require.NoError(t, r.CreateUser(ctx, u))
		fp := auth.Fingerprint("sk-other")
		key := &auth.APIKey{
			ID: core.MustNewID(), UserID: u.ID, Fingerprint: fp, Prefix: "sk-othe",
		}
		require.NoError(t, r.CreateAPIKey(ctx, key))

		require.NoError(t, r.UpdateAPIKeyLastUsed(ctx, key.ID))
		got, err := r.GetAPIKeyByFingerprint(ctx, fp)
		require.NoError(t, err)
		assert.NotNil(t, got.LastUsed)

		require.NoError(t, r.RevokeAPIKey(ctx, key.ID))
		got, err = r.GetAPIKeyByFingerprint(ctx, fp)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	})

	t.Run("Should return ErrAPIKeyNotFound for unknown fingerprints", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		_, err := r.GetAPIKeyByFingerprint(ctx, auth.Fingerprint("nope"))
		assert.ErrorIs(t, err, auth.ErrAPIKeyNotFound)
	})
}

func TestAuthRepo_Bootstrap(t *testing.T) {
	t.Run("Should create the first admin exactly once", func(t *testing.T) {
		ctx := context.Background()
		r := newTestAuthRepo(ctx, t)
		first := newUser(t, "root", auth.RoleAdmin)
		require.NoError(t, r.CreateInitialAdminIfNone(ctx, first))

		second := newUser(t, "intruder", auth.RoleAdmin)
		err := r.CreateInitialAdminIfNone(ctx, second)
		require.Error(t, err)
		var coded *core.Error
		require.ErrorAs(t, err, &coded)
		assert.Equal(t, "ALREADY_BOOTSTRAPPED", coded.Code)
	})
}
