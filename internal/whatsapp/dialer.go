// Package whatsapp adapts whatsmeow to the orchestrator's protocol
// surface. Each phone number gets its own sqlite credential store under
// the application workdir plus a portable JSON snapshot used for remote
// backup and restore.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/vtry813-sketch/bout-kk/internal/wabot"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Dialer opens one whatsmeow client per phone number.
type Dialer struct {
	workdir string

	mu      sync.Mutex
	clients map[string]*whatsmeow.Client
}

var _ wabot.Dialer = (*Dialer)(nil)

func NewDialer(workdir string) *Dialer {
	return &Dialer{workdir: workdir, clients: make(map[string]*whatsmeow.Client)}
}

func (d *Dialer) userDir(phoneNumber string) string {
	return filepath.Join(d.workdir, "sessions", "user_"+phoneNumber)
}

func (d *Dialer) CredentialFile(phoneNumber string) string {
	return filepath.Join(d.userDir(phoneNumber), "creds.json")
}

func (d *Dialer) HasLocalState(phoneNumber string) bool {
	_, err := loadSnapshot(d.CredentialFile(phoneNumber))
	return err == nil
}

func (d *Dialer) Dial(ctx context.Context, phoneNumber string, evs wabot.Events) (wabot.Socket, error) {
	dir := d.userDir(phoneNumber)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "whatsapp: create session dir")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "session.db"))
	container, err := sqlstore.New("sqlite3", dsn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: open session store")
	}

	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: load device")
	}

	credFile := d.CredentialFile(phoneNumber)
	if device.ID == nil {
		// fresh sqlite store: seed it from the snapshot when one exists,
		// otherwise this dial will go through pairing
		if _, statErr := os.Stat(credFile); statErr == nil {
			if err := importCredentials(device, credFile); err != nil {
				zap.L().Warn("whatsapp: credential snapshot import failed, pairing required",
					zap.String("phone_number", phoneNumber), zap.Error(err))
			}
		}
	}

	client := whatsmeow.NewClient(device, nil)
	client.AddEventHandler(d.eventHandler(phoneNumber, client, credFile, evs))

	d.mu.Lock()
	if prev, ok := d.clients[phoneNumber]; ok && prev != client {
		prev.Disconnect()
	}
	d.clients[phoneNumber] = client
	d.mu.Unlock()

	if err := client.Connect(); err != nil {
		d.mu.Lock()
		delete(d.clients, phoneNumber)
		d.mu.Unlock()
		return nil, errors.Wrap(err, "whatsapp: connect")
	}

	return &clientSocket{phoneNumber: phoneNumber, client: client}, nil
}

func (d *Dialer) eventHandler(phoneNumber string, client *whatsmeow.Client, credFile string, evs wabot.Events) func(interface{}) {
	emit := func(u wabot.ConnectionUpdate) {
		if evs.OnConnectionUpdate != nil {
			evs.OnConnectionUpdate(u)
		}
	}
	export := func() {
		if err := exportCredentials(client.Store, credFile); err != nil {
			zap.L().Warn("whatsapp: credential export failed",
				zap.String("phone_number", phoneNumber), zap.Error(err))
			return
		}
		if evs.OnCredentialsUpdate != nil {
			evs.OnCredentialsUpdate()
		}
	}

	return func(evt interface{}) {
		switch e := evt.(type) {
		case *events.QR:
			// the peer is waiting for a code to be entered on the device
			emit(wabot.ConnectionUpdate{State: wabot.StateConnecting, PairingChallenge: true})
		case *events.PairSuccess:
			zap.L().Info("whatsapp: paired", zap.String("phone_number", phoneNumber), zap.Stringer("jid", e.ID))
			export()
		case *events.Connected:
			export()
			emit(wabot.ConnectionUpdate{State: wabot.StateOpen})
		case *events.LoggedOut:
			zap.L().Info("whatsapp: logged out", zap.String("phone_number", phoneNumber))
			emit(wabot.ConnectionUpdate{State: wabot.StateClosed, LoggedOut: true})
		case *events.Disconnected:
			emit(wabot.ConnectionUpdate{State: wabot.StateClosed})
		case *events.StreamReplaced:
			emit(wabot.ConnectionUpdate{State: wabot.StateClosed})
		case *events.ConnectFailure:
			zap.L().Warn("whatsapp: connect failure",
				zap.String("phone_number", phoneNumber), zap.String("reason", e.Reason.String()))
			emit(wabot.ConnectionUpdate{State: wabot.StateClosed})
		case *events.KeepAliveTimeout:
			// whatsmeow reconnects internally; nothing to do here
		case *events.Message:
			if evs.OnMessage == nil {
				return
			}
			evs.OnMessage(wabot.Message{
				Chat:     e.Info.Chat.String(),
				Sender:   e.Info.Sender.String(),
				PushName: e.Info.PushName,
				Text:     extractText(e),
				IsGroup:  e.Info.IsGroup,
				FromMe:   e.Info.IsFromMe,
			})
		}
	}
}

func extractText(e *events.Message) string {
	if e.Message == nil {
		return ""
	}
	if t := e.Message.GetConversation(); t != "" {
		return t
	}
	if ext := e.Message.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// ClearLocalState disconnects any live client, removes the device row from
// the sqlite store and deletes the per-user directory.
func (d *Dialer) ClearLocalState(phoneNumber string) error {
	d.mu.Lock()
	client, ok := d.clients[phoneNumber]
	if ok {
		delete(d.clients, phoneNumber)
	}
	d.mu.Unlock()
	if ok {
		client.Disconnect()
		if client.Store != nil && client.Store.ID != nil {
			if err := client.Store.Delete(); err != nil {
				zap.L().Warn("whatsapp: device row delete failed",
					zap.String("phone_number", phoneNumber), zap.Error(err))
			}
		}
	}
	if err := os.RemoveAll(d.userDir(phoneNumber)); err != nil {
		return errors.Wrap(err, "whatsapp: remove session dir")
	}
	return nil
}
