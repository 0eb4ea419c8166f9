package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/database/testutil"
	"github.com/charlesng35/authkit/internal/models"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := NewStore(db, opts...)
	require.NoError(t, err)
	return store, db
}

func TestCreateNormalisesEmailAndHashesPassword(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	user := &models.User{Email: "  Alice@Example.COM ", FirstName: "Alice"}
	require.NoError(t, store.Create(ctx, user, "correct horse battery staple"))
	require.NotEmpty(t, user.ID)
	require.Equal(t, "alice@example.com", user.Email)
	require.NotEqual(t, "correct horse battery staple", user.Password)

	found, err := store.FindByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)
	require.True(t, found.IsActive)
	require.False(t, found.IsVerified)
	require.True(t, store.VerifyPassword(found, "correct horse battery staple"))
	require.False(t, store.VerifyPassword(found, "wrong"))
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &models.User{Email: "dup@example.com"}, "pw-one-long-enough"))
	err := store.Create(ctx, &models.User{Email: "DUP@example.com"}, "pw-two-long-enough")
	require.Error(t, err)
}

func TestFindMissingUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = store.FindByID(ctx, "")
	require.ErrorIs(t, err, ErrUserNotFound)
	require.ErrorIs(t, store.MarkVerified(ctx, &models.User{ID: "missing"}), ErrUserNotFound)
}

func TestMutations(t *testing.T) {
	current := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	user := &models.User{Email: "bob@example.com"}
	require.NoError(t, store.Create(ctx, user, "initial-password-123"))

	require.NoError(t, store.SetPassword(ctx, user, "replacement-password-456"))
	require.NoError(t, store.MarkVerified(ctx, user))
	require.NoError(t, store.TouchLogin(ctx, user, "203.0.113.9"))

	reloaded, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsVerified)
	require.True(t, store.VerifyPassword(reloaded, "replacement-password-456"))
	require.NotNil(t, reloaded.LastLoginAt)
	require.True(t, reloaded.LastLoginAt.Equal(current))
	require.Equal(t, "203.0.113.9", reloaded.LastLoginIP)

	reloaded.FirstName = "Robert"
	require.NoError(t, store.Save(ctx, reloaded))
	again, err := store.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Robert", again.FirstName)
}

func TestWithTxRollsBack(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, store.WithTx(tx).Create(ctx, &models.User{Email: "tx@example.com"}, "pw-long-enough-1"))
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	_, err = store.FindByEmail(ctx, "tx@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
}
