package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticationExpire(t *testing.T) {
	a := NewAuthentication("user1", AuthorityMember, 0)

	require.False(t, a.IsExpired())
	require.NoError(t, a.Validate())

	a.Expire()
	assert.True(t, a.IsExpired())
	assert.ErrorIs(t, a.Validate(), ErrAuthenticationExpired)

	// Second expiry is a no-op.
	a.Expire()
	assert.True(t, a.IsExpired())
}

func TestAuthenticationDeadline(t *testing.T) {
	a := NewAuthentication("user1", AuthorityMember, 10*time.Millisecond)

	select {
	case <-a.Expired():
	case <-time.After(2 * time.Second):
		t.Fatal("token did not expire by deadline")
	}
	assert.True(t, a.IsExpired())
}

func TestAuthorityOrdering(t *testing.T) {
	assert.True(t, AuthoritySystem.AtLeast(AuthorityAdmin))
	assert.True(t, AuthorityAdmin.AtLeast(AuthorityAdmin))
	assert.False(t, AuthorityMember.AtLeast(AuthorityAdmin))
	assert.True(t, NewAuthentication("u", AuthorityAdmin, 0).IsAdmin())
	assert.False(t, NewAuthentication("u", AuthorityAdmin, 0).IsSystem())
}

func TestUserStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	store, err := NewUserStore(path, "test-key")
	require.NoError(t, err)

	factory := NewUserFactory()
	added, err := store.AddUser(*factory.NewUserStruct("admin", "admin123", AuthorityAdmin))
	require.NoError(t, err)
	assert.Equal(t, AuthorityAdmin, added.Authority)

	_, err = store.AddUser(*factory.NewUserStruct("admin", "other", AuthorityMember))
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	user, err := store.VerifyCredentials("admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	_, err = store.VerifyCredentials("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Reopen from disk.
	reopened, err := NewUserStore(path, "test-key")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	user, err = reopened.GetUserByName("admin")
	require.NoError(t, err)
	assert.Equal(t, AuthorityAdmin, user.Authority)
}
