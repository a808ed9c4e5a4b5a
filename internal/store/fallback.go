package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"go.uber.org/zap"
)

// FallbackUserStore serves from the primary store until it observes an
// infrastructure failure, then degrades to the in-memory store for the
// rest of the process lifetime. A not-found result is a valid answer
// and never triggers degradation.
type FallbackUserStore struct {
	primary  UserStore
	memory   *MemoryUserStore
	degraded atomic.Bool
}

var _ UserStore = (*FallbackUserStore)(nil)

func NewFallbackUserStore(primary UserStore) *FallbackUserStore {
	return &FallbackUserStore{primary: primary, memory: NewMemoryUserStore()}
}

// Degraded reports whether the store has switched to memory.
func (s *FallbackUserStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackUserStore) degrade(op string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		zap.L().Error("user store degraded to memory", zap.String("op", op), zap.Error(err))
	}
}

func (s *FallbackUserStore) infraFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrUserNotFound)
}

func (s *FallbackUserStore) CreateUser(ctx context.Context, phoneNumber string) (string, error) {
	if !s.degraded.Load() {
		password, err := s.primary.CreateUser(ctx, phoneNumber)
		if !s.infraFailure(err) {
			return password, err
		}
		s.degrade("CreateUser", err)
	}
	return s.memory.CreateUser(ctx, phoneNumber)
}

func (s *FallbackUserStore) GetUser(ctx context.Context, phoneNumber string) (*domain.BotUser, error) {
	if !s.degraded.Load() {
		user, err := s.primary.GetUser(ctx, phoneNumber)
		if !s.infraFailure(err) {
			return user, err
		}
		s.degrade("GetUser", err)
	}
	return s.memory.GetUser(ctx, phoneNumber)
}

func (s *FallbackUserStore) GetUserByPassword(ctx context.Context, password string) (*domain.BotUser, error) {
	if !s.degraded.Load() {
		user, err := s.primary.GetUserByPassword(ctx, password)
		if !s.infraFailure(err) {
			return user, err
		}
		s.degrade("GetUserByPassword", err)
	}
	return s.memory.GetUserByPassword(ctx, password)
}

func (s *FallbackUserStore) GetUserBySessionID(ctx context.Context, sessionID string) (*domain.BotUser, error) {
	if !s.degraded.Load() {
		user, err := s.primary.GetUserBySessionID(ctx, sessionID)
		if !s.infraFailure(err) {
			return user, err
		}
		s.degrade("GetUserBySessionID", err)
	}
	return s.memory.GetUserBySessionID(ctx, sessionID)
}

func (s *FallbackUserStore) UpdateSession(ctx context.Context, phoneNumber, sessionID, blobID string) error {
	if !s.degraded.Load() {
		err := s.primary.UpdateSession(ctx, phoneNumber, sessionID, blobID)
		if !s.infraFailure(err) {
			return err
		}
		s.degrade("UpdateSession", err)
	}
	return s.memory.UpdateSession(ctx, phoneNumber, sessionID, blobID)
}

func (s *FallbackUserStore) DeleteSession(ctx context.Context, phoneNumber string) error {
	if !s.degraded.Load() {
		err := s.primary.DeleteSession(ctx, phoneNumber)
		if !s.infraFailure(err) {
			return err
		}
		s.degrade("DeleteSession", err)
	}
	return s.memory.DeleteSession(ctx, phoneNumber)
}

func (s *FallbackUserStore) UpdateSettings(ctx context.Context, phoneNumber string, settings domain.Settings) error {
	if !s.degraded.Load() {
		err := s.primary.UpdateSettings(ctx, phoneNumber, settings)
		if !s.infraFailure(err) {
			return err
		}
		s.degrade("UpdateSettings", err)
	}
	return s.memory.UpdateSettings(ctx, phoneNumber, settings)
}

func (s *FallbackUserStore) ListUsersWithCompletedBackups(ctx context.Context) ([]*domain.BotUser, error) {
	if !s.degraded.Load() {
		users, err := s.primary.ListUsersWithCompletedBackups(ctx)
		if !s.infraFailure(err) {
			return users, err
		}
		s.degrade("ListUsersWithCompletedBackups", err)
	}
	return s.memory.ListUsersWithCompletedBackups(ctx)
}
