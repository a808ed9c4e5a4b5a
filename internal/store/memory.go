package store

import (
	"context"
	"sync"
	"time"

	"github.com/vtry813-sketch/bout-kk/internal/domain"
)

// MemoryUserStore keeps users in process memory. It backs the degraded
// mode when the database is unreachable, and the unit tests.
type MemoryUserStore struct {
	mu     sync.RWMutex
	users  map[string]*domain.BotUser
	nextID int64
}

var _ UserStore = (*MemoryUserStore)(nil)

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*domain.BotUser), nextID: 1}
}

func (s *MemoryUserStore) CreateUser(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[phoneNumber]; ok {
		user.UpdatedAt = time.Now()
		return user.Password, nil
	}
	user := &domain.BotUser{
		ID:             s.nextID,
		PhoneNumber:    phoneNumber,
		Password:       GeneratePassword(),
		AutoReadStatus: true,
		AutoStatusLike: true,
		AntiDelete:     true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	s.nextID++
	s.users[phoneNumber] = user
	return user.Password, nil
}

func (s *MemoryUserStore) GetUser(ctx context.Context, phoneNumber string) (*domain.BotUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[phoneNumber]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryUserStore) GetUserByPassword(ctx context.Context, password string) (*domain.BotUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Password == password {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryUserStore) GetUserBySessionID(ctx context.Context, sessionID string) (*domain.BotUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.SessionID != nil && *user.SessionID == sessionID {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryUserStore) UpdateSession(ctx context.Context, phoneNumber, sessionID, blobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[phoneNumber]
	if !ok {
		return ErrUserNotFound
	}
	user.SessionID = strPtrOrNil(sessionID)
	user.BlobID = strPtrOrNil(blobID)
	user.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) DeleteSession(ctx context.Context, phoneNumber string) error {
	return s.UpdateSession(ctx, phoneNumber, "", "")
}

func (s *MemoryUserStore) UpdateSettings(ctx context.Context, phoneNumber string, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[phoneNumber]
	if !ok {
		return ErrUserNotFound
	}
	if settings.AutoReadStatus != nil {
		user.AutoReadStatus = *settings.AutoReadStatus
	}
	if settings.AutoReactStatus != nil {
		user.AutoReactStatus = *settings.AutoReactStatus
	}
	if settings.AutoStatusLike != nil {
		user.AutoStatusLike = *settings.AutoStatusLike
	}
	if settings.AntiDelete != nil {
		user.AntiDelete = *settings.AntiDelete
	}
	user.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) ListUsersWithCompletedBackups(ctx context.Context) ([]*domain.BotUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []*domain.BotUser
	for _, user := range s.users {
		if user.BackupComplete() {
			cp := *user
			users = append(users, &cp)
		}
	}
	return users, nil
}

func strPtrOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
