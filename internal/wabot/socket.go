package wabot

import "context"

// ConnState is the coarse connection state surfaced by the protocol layer.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionUpdate describes a connection state transition. LoggedOut marks
// a terminal closure; PairingChallenge signals the peer is waiting for a
// pairing code to be entered on the device.
type ConnectionUpdate struct {
	State            ConnState
	LoggedOut        bool
	PairingChallenge bool
}

// Message is the minimal inbound message view the dispatcher needs.
type Message struct {
	Chat     string
	Sender   string
	PushName string
	Text     string
	IsGroup  bool
	FromMe   bool
}

// Events carries the per-session callbacks the orchestrator registers when
// dialing. Nil callbacks are skipped by the protocol adapter.
type Events struct {
	OnConnectionUpdate  func(ConnectionUpdate)
	OnCredentialsUpdate func()
	OnMessage           func(Message)
}

// Socket is the live protocol session for one phone number.
type Socket interface {
	// JID is the session's own address once known, empty before login.
	JID() string
	SendText(ctx context.Context, jid, text string) error
	AcceptInvite(ctx context.Context, code string) error
	// RequestPairingCode asks the network for a linking code. customCode may
	// be empty to request a server-generated one.
	RequestPairingCode(ctx context.Context, phoneNumber, customCode string) (string, error)
	Disconnect()
}

// Dialer opens protocol sessions and owns per-user local credential state.
type Dialer interface {
	Dial(ctx context.Context, phoneNumber string, events Events) (Socket, error)
	// HasLocalState reports whether a usable credential snapshot exists on
	// disk for the number.
	HasLocalState(phoneNumber string) bool
	// CredentialFile is the path of the per-user credential snapshot, whether
	// or not it exists yet.
	CredentialFile(phoneNumber string) string
	// ClearLocalState removes all local credential material for the number.
	ClearLocalState(phoneNumber string) error
}
