package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(domain.Tables...))
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	return db
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		p := GeneratePassword()
		assert.Len(t, p, 8)
		for _, r := range p {
			assert.True(t, (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), "unexpected rune %q", r)
		}
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestGenerateSessionID(t *testing.T) {
	s := GenerateSessionID()
	assert.Len(t, s, 16)
}

func TestGormUserStoreCreateIdempotent(t *testing.T) {
	s, err := NewGormUserStore(newTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Len(t, first, 8)

	again, err := s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Equal(t, first, again, "existing user keeps original password")

	user, err := s.GetUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.True(t, user.AutoReadStatus)
	assert.True(t, user.AutoStatusLike)
	assert.True(t, user.AntiDelete)
	assert.False(t, user.AutoReactStatus)
	assert.Nil(t, user.SessionID)
}

func TestGormUserStoreSessionLifecycle(t *testing.T) {
	s, err := NewGormUserStore(newTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)

	sid := GenerateSessionID()
	require.NoError(t, s.UpdateSession(ctx, "18095551234", sid, "blob-1"))

	user, err := s.GetUserBySessionID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "18095551234", user.PhoneNumber)
	assert.True(t, user.BackupComplete())

	list, err := s.ListUsersWithCompletedBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, "18095551234"))
	user, err = s.GetUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Nil(t, user.SessionID)
	assert.Nil(t, user.BlobID)
	assert.False(t, user.BackupComplete())

	list, err = s.ListUsersWithCompletedBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGormUserStoreNotFound(t *testing.T) {
	s, err := NewGormUserStore(newTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetUser(ctx, "10000000000")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetUserByPassword(ctx, "NOPE1234")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetUserBySessionID(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, s.UpdateSession(ctx, "10000000000", "x", "y"), ErrUserNotFound)
	assert.ErrorIs(t, s.UpdateSettings(ctx, "10000000000", domain.Settings{}), ErrUserNotFound)
}

func TestGormUserStoreUpdateSettings(t *testing.T) {
	s, err := NewGormUserStore(newTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)

	off := false
	on := true
	require.NoError(t, s.UpdateSettings(ctx, "18095551234", domain.Settings{
		AutoReadStatus:  &off,
		AutoReactStatus: &on,
	}))

	user, err := s.GetUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.False(t, user.AutoReadStatus)
	assert.True(t, user.AutoReactStatus)
	assert.True(t, user.AntiDelete, "omitted field keeps prior value")
}

func TestMemoryUserStore(t *testing.T) {
	s := NewMemoryUserStore()
	ctx := context.Background()

	pw, err := s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)
	again, err := s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Equal(t, pw, again)

	user, err := s.GetUserByPassword(ctx, pw)
	require.NoError(t, err)
	assert.Equal(t, "18095551234", user.PhoneNumber)

	require.NoError(t, s.UpdateSession(ctx, "18095551234", "abcd1234abcd1234", "blob-1"))
	list, err := s.ListUsersWithCompletedBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// returned copies must not alias internal state
	list[0].PhoneNumber = "mutated"
	fresh, err := s.GetUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Equal(t, "18095551234", fresh.PhoneNumber)
}

type failingStore struct {
	UserStore
	err error
}

func (f *failingStore) GetUser(ctx context.Context, phone string) (*domain.BotUser, error) {
	return nil, f.err
}

func TestFallbackDegradesOnInfraFailure(t *testing.T) {
	primary := &failingStore{UserStore: NewMemoryUserStore(), err: errors.New("connection refused")}
	s := NewFallbackUserStore(primary)
	ctx := context.Background()

	assert.False(t, s.Degraded())
	_, err := s.GetUser(ctx, "18095551234")
	assert.ErrorIs(t, err, ErrUserNotFound, "memory store has no such user")
	assert.True(t, s.Degraded())

	// once degraded, writes land in memory and survive
	_, err = s.CreateUser(ctx, "18095551234")
	require.NoError(t, err)
	user, err := s.GetUser(ctx, "18095551234")
	require.NoError(t, err)
	assert.Equal(t, "18095551234", user.PhoneNumber)
}

func TestFallbackNotFoundIsNotDegradation(t *testing.T) {
	s := NewFallbackUserStore(NewMemoryUserStore())
	_, err := s.GetUser(context.Background(), "10000000000")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.False(t, s.Degraded())
}
