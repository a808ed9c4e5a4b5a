package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/vtry813-sketch/bout-kk/internal/domain"
)

// ErrUserNotFound is returned by lookups when no record matches.
var ErrUserNotFound = errors.New("user not found")

// UserStore is the credential store for paired phone numbers. Two
// implementations exist: gorm-backed and in-memory. The Fallback wrapper
// combines them with sticky degradation.
type UserStore interface {
	// CreateUser creates the user record with a fresh generated password.
	// It is idempotent: if the record already exists the stored password is
	// returned unchanged and only the updated_at timestamp moves.
	CreateUser(ctx context.Context, phoneNumber string) (string, error)
	GetUser(ctx context.Context, phoneNumber string) (*domain.BotUser, error)
	GetUserByPassword(ctx context.Context, password string) (*domain.BotUser, error)
	GetUserBySessionID(ctx context.Context, sessionID string) (*domain.BotUser, error)
	// UpdateSession sets the session id and blob id. Passing empty strings
	// clears the fields, marking the backup incomplete.
	UpdateSession(ctx context.Context, phoneNumber, sessionID, blobID string) error
	// DeleteSession clears the session fields without removing the record.
	DeleteSession(ctx context.Context, phoneNumber string) error
	UpdateSettings(ctx context.Context, phoneNumber string, settings domain.Settings) error
	// ListUsersWithCompletedBackups returns exactly the users whose records
	// carry both a session id and a blob id.
	ListUsersWithCompletedBackups(ctx context.Context) ([]*domain.BotUser, error)
}

const (
	passwordChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sessionIDChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	passwordLen  = 8
	sessionIDLen = 16
)

func randomString(chars string, n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(chars)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process is in much deeper
			// trouble than password generation
			panic(err)
		}
		out[i] = chars[idx.Int64()]
	}
	return string(out)
}

// GeneratePassword returns a new 8-character uppercase alphanumeric password.
func GeneratePassword() string {
	return randomString(passwordChars, passwordLen)
}

// GenerateSessionID returns a new 16-character alphanumeric session id.
func GenerateSessionID() string {
	return randomString(sessionIDChars, sessionIDLen)
}
