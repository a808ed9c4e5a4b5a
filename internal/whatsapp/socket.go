package whatsapp

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vtry813-sketch/bout-kk/internal/wabot"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// clientSocket wraps one live whatsmeow client behind the orchestrator's
// socket surface.
type clientSocket struct {
	phoneNumber string
	client      *whatsmeow.Client
}

var _ wabot.Socket = (*clientSocket)(nil)

func (s *clientSocket) JID() string {
	if s.client.Store != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.String()
	}
	return ""
}

func parseJID(raw string) (types.JID, error) {
	if strings.ContainsRune(raw, '@') {
		return types.ParseJID(raw)
	}
	return types.NewJID(raw, types.DefaultUserServer), nil
}

func (s *clientSocket) SendText(ctx context.Context, jid, text string) error {
	to, err := parseJID(jid)
	if err != nil {
		return errors.Wrapf(err, "whatsapp: bad jid %q", jid)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	_, err = s.client.SendMessage(ctx, to, msg)
	if err != nil {
		return errors.Wrap(err, "whatsapp: send message")
	}
	return nil
}

func (s *clientSocket) AcceptInvite(ctx context.Context, code string) error {
	_, err := s.client.JoinGroupWithLink(code)
	if err != nil {
		return errors.Wrapf(err, "whatsapp: join group %s", code)
	}
	return nil
}

// RequestPairingCode asks for a linking code. customCode brands the pairing
// prompt's client name; empty keeps whatsmeow's default presentation.
func (s *clientSocket) RequestPairingCode(ctx context.Context, phoneNumber, customCode string) (string, error) {
	displayName := "Chrome (Linux)"
	if customCode != "" {
		displayName = customCode + " (Chrome)"
	}
	code, err := s.client.PairPhone(phoneNumber, true, whatsmeow.PairClientChrome, displayName)
	if err != nil {
		return "", errors.Wrap(err, "whatsapp: pair phone")
	}
	return code, nil
}

func (s *clientSocket) Disconnect() {
	s.client.Disconnect()
}
