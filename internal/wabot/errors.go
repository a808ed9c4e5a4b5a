package wabot

import "github.com/pkg/errors"

var (
	// ErrInvalidPhoneNumber rejects identifiers that are not 7 to 15 digits.
	ErrInvalidPhoneNumber = errors.New("wabot: invalid phone number")

	// ErrAlreadyConnected rejects pairing for a number with a live session.
	ErrAlreadyConnected = errors.New("wabot: session already connected")

	// ErrPairingTimeout is returned when no pairing challenge arrives in time.
	ErrPairingTimeout = errors.New("wabot: pairing request timed out")

	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("wabot: session not found")
)
