package wabot

import (
	"context"
	"fmt"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
	"github.com/vtry813-sketch/bout-kk/internal/store"
	"github.com/vtry813-sketch/bout-kk/internal/wabot/command"
)

// test doubles shared by the orchestrator tests

type fakeSocket struct {
	mu           sync.Mutex
	sent         []string
	sentTo       []string
	invites      []string
	pairCalls    []string // customCode per call
	failBranded  bool
	failAllCodes bool
	disconnected bool
}

func (s *fakeSocket) JID() string { return "100000000000@s.whatsapp.net" }

func (s *fakeSocket) SendText(ctx context.Context, jid, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTo = append(s.sentTo, jid)
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSocket) AcceptInvite(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites = append(s.invites, code)
	return nil
}

func (s *fakeSocket) RequestPairingCode(ctx context.Context, phoneNumber, customCode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairCalls = append(s.pairCalls, customCode)
	if s.failAllCodes {
		return "", errors.New("pairing refused")
	}
	if s.failBranded && customCode != "" {
		return "", errors.New("branded code refused")
	}
	return "ABCD-1234", nil
}

func (s *fakeSocket) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSocket) wasDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *fakeSocket) lastSent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1]
}

type fakeDialer struct {
	mu         sync.Mutex
	localState map[string]bool
	events     map[string]Events
	sockets    map[string]*fakeSocket
	dialCalls  int
	dialErr    error
	cleared    []string
	onDial     func(phoneNumber string) // runs after callbacks are live, before Dial returns
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		localState: make(map[string]bool),
		events:     make(map[string]Events),
		sockets:    make(map[string]*fakeSocket),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, phoneNumber string, evs Events) (Socket, error) {
	d.mu.Lock()
	d.dialCalls++
	if d.dialErr != nil {
		d.mu.Unlock()
		return nil, d.dialErr
	}
	sock := &fakeSocket{}
	d.events[phoneNumber] = evs
	d.sockets[phoneNumber] = sock
	d.localState[phoneNumber] = true
	hook := d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook(phoneNumber)
	}
	return sock, nil
}

func (d *fakeDialer) HasLocalState(phoneNumber string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localState[phoneNumber]
}

func (d *fakeDialer) CredentialFile(phoneNumber string) string {
	return "/tmp/fake/" + phoneNumber + "/creds.json"
}

func (d *fakeDialer) ClearLocalState(phoneNumber string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.localState, phoneNumber)
	d.cleared = append(d.cleared, phoneNumber)
	return nil
}

func (d *fakeDialer) fire(phoneNumber string, u ConnectionUpdate) {
	d.mu.Lock()
	evs, ok := d.events[phoneNumber]
	d.mu.Unlock()
	if ok && evs.OnConnectionUpdate != nil {
		evs.OnConnectionUpdate(u)
	}
}

func (d *fakeDialer) socket(phoneNumber string) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[phoneNumber]
}

type fakeBlob struct {
	mu        sync.Mutex
	uploads   int
	downloads int
	deletes   []string
	downErr   error
	nextID    int
}

func (b *fakeBlob) Available(ctx context.Context) bool { return true }

func (b *fakeBlob) Upload(ctx context.Context, phoneNumber, path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	b.nextID++
	return fmt.Sprintf("sessions/%s/blob-%d", phoneNumber, b.nextID), nil
}

func (b *fakeBlob) Download(ctx context.Context, blobID, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloads++
	return b.downErr
}

func (b *fakeBlob) Delete(ctx context.Context, blobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, blobID)
	return nil
}

func (b *fakeBlob) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

func testConfig() *appconfig.AppConfig {
	cfg := *appconfig.DefaultAppConfig
	cfg.Bot.PairingTimeout = 300 * time.Millisecond
	cfg.Bot.BackupDelay = 10 * time.Millisecond
	cfg.Bot.RestoreDelay = 10 * time.Millisecond
	cfg.Bot.GroupJoinDelay = 10 * time.Millisecond
	cfg.Bot.BatchSize = 2
	cfg.Bot.BatchDelay = 20 * time.Millisecond
	cfg.Bot.IndividualDelay = time.Millisecond
	cfg.Bot.MaxRetries = 3
	cfg.Bot.WorkerPoolSize = 4
	cfg.Bot.InviteLinks = nil
	return &cfg
}

type testRig struct {
	cfg      *appconfig.AppConfig
	users    store.UserStore
	blobs    *fakeBlob
	dialer   *fakeDialer
	registry *command.Registry
	bot      *Orchestrator
}

func newTestRig(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
	Cleanup(func())
}) *testRig {
	t.Helper()
	cfg := testConfig()
	dialer := newFakeDialer()
	blobs := &fakeBlob{}
	users := store.NewMemoryUserStore()
	registry := command.NewRegistry()
	bot, err := NewOrchestrator(cfg, users, blobs, dialer, registry, evbus.New())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	t.Cleanup(bot.Close)
	return &testRig{cfg: cfg, users: users, blobs: blobs, dialer: dialer, registry: registry, bot: bot}
}
