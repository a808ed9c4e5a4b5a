package wabot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
	"github.com/vtry813-sketch/bout-kk/internal/blob"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"github.com/vtry813-sketch/bout-kk/internal/store"
	"github.com/vtry813-sketch/bout-kk/internal/wabot/command"
	"go.uber.org/zap"
)

// Event bus topics published by the orchestrator. Payload is always the
// phone number.
const (
	TopicSessionOpen      = "session.open"
	TopicSessionClosed    = "session.closed"
	TopicSessionLoggedOut = "session.loggedout"
	TopicBackupCompleted  = "backup.completed"
)

// backupFreshness is how recent a completed backup must be for a repeat
// backup request to be skipped instead of re-uploaded.
const backupFreshness = 5 * time.Minute

// Orchestrator owns every live session. It sequences connect, disconnect,
// backup and restore per phone number, and wires protocol events into the
// store, the blob service, the reconnection batcher and the pairing table.
type Orchestrator struct {
	cfg      *appconfig.AppConfig
	users    store.UserStore
	blobs    blob.BackupService
	dialer   Dialer
	registry *command.Registry
	bus      evbus.Bus
	pool     *ants.Pool

	attempts *AttemptTracker
	batcher  *ReconnectionBatcher
	pairing  *PairingCoordinator

	mu         sync.RWMutex
	sessions   map[string]*UserSession
	lastBackup map[string]time.Time

	closed chan struct{}
	once   sync.Once
}

func NewOrchestrator(cfg *appconfig.AppConfig, users store.UserStore, blobs blob.BackupService,
	dialer Dialer, registry *command.Registry, bus evbus.Bus) (*Orchestrator, error) {
	pool, err := ants.NewPool(cfg.Bot.WorkerPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "wabot: create worker pool")
	}
	o := &Orchestrator{
		cfg:        cfg,
		users:      users,
		blobs:      blobs,
		dialer:     dialer,
		registry:   registry,
		bus:        bus,
		pool:       pool,
		attempts:   NewAttemptTracker(),
		pairing:    NewPairingCoordinator(cfg.Bot.PairingTimeout),
		sessions:   make(map[string]*UserSession),
		lastBackup: make(map[string]time.Time),
		closed:     make(chan struct{}),
	}
	o.batcher = NewReconnectionBatcher(BatcherConfig{
		BatchSize:       cfg.Bot.BatchSize,
		BatchDelay:      cfg.Bot.BatchDelay,
		IndividualDelay: cfg.Bot.IndividualDelay,
		MaxRetries:      cfg.Bot.MaxRetries,
	}, o.reconnect)
	return o, nil
}

// Close tears down timers, the pairing table and the worker pool, then
// disconnects every live socket.
func (o *Orchestrator) Close() {
	o.once.Do(func() { close(o.closed) })
	o.batcher.Close()
	o.pairing.Close()
	o.mu.Lock()
	sessions := make([]*UserSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.sessions = make(map[string]*UserSession)
	o.mu.Unlock()
	for _, s := range sessions {
		if s.Socket != nil {
			s.Socket.Disconnect()
		}
	}
	o.pool.Release()
}

// Attempts exposes the tracker for the cooldown sweep job.
func (o *Orchestrator) Attempts() *AttemptTracker { return o.attempts }

// Connect validates the number, classifies the attempt as first connection
// or restore, materializes local credential state from the blob store when
// restoring, and opens the protocol session. A number over the attempt
// ceiling is silently backed off: the call returns nil without connecting
// so callers that just want the session eventually do not see an error.
func (o *Orchestrator) Connect(ctx context.Context, phoneNumber string) error {
	if !ValidPhoneNumber(phoneNumber) {
		return errors.Wrapf(ErrInvalidPhoneNumber, "%q", phoneNumber)
	}
	if o.attempts.BackedOff(phoneNumber) {
		zap.L().Warn("connect backed off, attempt ceiling exceeded",
			zap.String("phone_number", phoneNumber))
		return nil
	}

	o.mu.Lock()
	if existing, ok := o.sessions[phoneNumber]; ok && existing.Status == StatusConnected {
		o.mu.Unlock()
		return errors.Wrapf(ErrAlreadyConnected, "%s", phoneNumber)
	}
	o.mu.Unlock()

	o.attempts.Increment(phoneNumber)

	restore := false
	var user = o.lookupUser(ctx, phoneNumber)
	if user != nil && user.BackupComplete() {
		restore = true
	}

	if restore && !o.dialer.HasLocalState(phoneNumber) {
		dest := o.dialer.CredentialFile(phoneNumber)
		if err := o.blobs.Download(ctx, *user.BlobID, dest); err != nil {
			// a failed restore degrades to first-connection semantics
			zap.L().Warn("credential restore failed, treating as first connection",
				zap.String("phone_number", phoneNumber), zap.Error(err))
			restore = false
		}
	}

	session := &UserSession{
		PhoneNumber:       phoneNumber,
		Status:            StatusConnecting,
		IsFirstConnection: !restore,
		LastActivity:      time.Now(),
		ready:             make(chan struct{}),
	}
	o.mu.Lock()
	prior := o.sessions[phoneNumber]
	o.sessions[phoneNumber] = session
	o.mu.Unlock()
	if prior != nil && prior.Socket != nil {
		// a half-open session being replaced must not leak its connection
		prior.Socket.Disconnect()
	}

	socket, err := o.dialer.Dial(ctx, phoneNumber, Events{
		OnConnectionUpdate:  func(u ConnectionUpdate) { o.handleConnectionUpdate(phoneNumber, u) },
		OnCredentialsUpdate: func() { o.handleCredentialsUpdate(phoneNumber) },
		OnMessage:           func(m Message) { o.handleMessage(phoneNumber, m) },
	})
	if err != nil {
		o.mu.Lock()
		if o.sessions[phoneNumber] == session {
			delete(o.sessions, phoneNumber)
		}
		o.mu.Unlock()
		close(session.ready)
		return errors.Wrapf(err, "wabot: dial %s", phoneNumber)
	}

	o.mu.Lock()
	session.Socket = socket
	o.mu.Unlock()
	close(session.ready)
	zap.L().Info("session dialing",
		zap.String("phone_number", phoneNumber), zap.Bool("first_connection", session.IsFirstConnection))
	return nil
}

// RequestPairing registers a single-flight pairing request and connects the
// number. The code itself arrives asynchronously when the protocol session
// surfaces a pairing challenge, so the caller blocks on the handle until
// the coordinator resolves it or the request expires.
func (o *Orchestrator) RequestPairing(ctx context.Context, phoneNumber string) (string, error) {
	if !ValidPhoneNumber(phoneNumber) {
		return "", errors.Wrapf(ErrInvalidPhoneNumber, "%q", phoneNumber)
	}
	o.mu.RLock()
	if s, ok := o.sessions[phoneNumber]; ok && s.Status == StatusConnected {
		o.mu.RUnlock()
		return "", errors.Wrapf(ErrAlreadyConnected, "%s", phoneNumber)
	}
	o.mu.RUnlock()

	handle := o.pairing.Begin(phoneNumber)
	if err := o.Connect(ctx, phoneNumber); err != nil {
		o.pairing.Cancel(phoneNumber)
		return "", err
	}
	return handle.Wait(ctx)
}

// DisconnectUser closes the session on operator request. The closure is
// deliberate, so the number is not enqueued for reconnection.
func (o *Orchestrator) DisconnectUser(phoneNumber string) error {
	o.mu.Lock()
	session, ok := o.sessions[phoneNumber]
	if ok {
		delete(o.sessions, phoneNumber)
	}
	o.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "%s", phoneNumber)
	}
	o.batcher.Remove(phoneNumber)
	o.attempts.Reset(phoneNumber)
	if session.Socket != nil {
		session.Socket.Disconnect()
	}
	zap.L().Info("session disconnected by request", zap.String("phone_number", phoneNumber))
	return nil
}

// ReloadCommands rebuilds the plugin registry from its registered builders
// and reports the resulting command count. This is the only reload trigger;
// connection opens never touch the registry.
func (o *Orchestrator) ReloadCommands() int {
	o.registry.Reload()
	return o.registry.Len()
}

// NotifyUser sends a text into the user's own chat. Fails when the number
// has no connected session.
func (o *Orchestrator) NotifyUser(ctx context.Context, phoneNumber, text string) error {
	o.mu.RLock()
	var socket Socket
	if session, ok := o.sessions[phoneNumber]; ok && session.Status == StatusConnected {
		socket = session.Socket
	}
	o.mu.RUnlock()
	if socket == nil {
		return errors.Wrapf(ErrSessionNotFound, "%s", phoneNumber)
	}
	return socket.SendText(ctx, socket.JID(), text)
}

// ConnectedUsers snapshots every tracked session for the HTTP layer.
func (o *Orchestrator) ConnectedUsers() []SessionSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]SessionSummary, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, SessionSummary{
			PhoneNumber:       s.PhoneNumber,
			Status:            string(s.Status),
			IsFirstConnection: s.IsFirstConnection,
			ConnectedAt:       s.ConnectedAt,
			LastActivity:      s.LastActivity,
		})
	}
	return out
}

// ConnectedCount counts sessions currently in the connected state.
func (o *Orchestrator) ConnectedCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.sessions {
		if s.Status == StatusConnected {
			n++
		}
	}
	return n
}

// BatchStatus reports the reconnection queue.
func (o *Orchestrator) BatchStatus() BatchStatus { return o.batcher.Status() }

// RestoreAll reconnects every user with a completed backup, throttled
// through the reconnection batcher so a process restart does not storm the
// upstream service.
func (o *Orchestrator) RestoreAll(ctx context.Context) error {
	users, err := o.users.ListUsersWithCompletedBackups(ctx)
	if err != nil {
		return errors.Wrap(err, "wabot: list restorable users")
	}
	zap.L().Info("restoring sessions", zap.Int("count", len(users)))
	for _, u := range users {
		o.batcher.Enqueue(u.PhoneNumber)
	}
	return nil
}

func (o *Orchestrator) lookupUser(ctx context.Context, phoneNumber string) *domain.BotUser {
	user, err := o.users.GetUser(ctx, phoneNumber)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			zap.L().Warn("user lookup failed", zap.String("phone_number", phoneNumber), zap.Error(err))
		}
		return nil
	}
	return user
}

func (o *Orchestrator) reconnect(ctx context.Context, phoneNumber string) error {
	select {
	case <-o.closed:
		return nil
	default:
	}
	return o.Connect(ctx, phoneNumber)
}

func (o *Orchestrator) handleConnectionUpdate(phoneNumber string, u ConnectionUpdate) {
	defer func() {
		if rc := recover(); rc != nil {
			zap.L().Error("connection update handler panic",
				zap.String("phone_number", phoneNumber), zap.Any("panic", rc))
		}
	}()
	if u.PairingChallenge {
		// may wait for the in-flight dial to resolve, so it must not
		// hold up the protocol event callback
		go o.handlePairingChallenge(phoneNumber)
	}
	switch u.State {
	case StateOpen:
		o.handleOpen(phoneNumber)
	case StateClosed:
		o.handleClosed(phoneNumber, u.LoggedOut)
	}
}

func (o *Orchestrator) handleOpen(phoneNumber string) {
	o.attempts.Reset(phoneNumber)
	o.batcher.Remove(phoneNumber)
	zap.L().Debug("command registry active", zap.Int("commands", o.registry.Len()))

	o.mu.Lock()
	session, ok := o.sessions[phoneNumber]
	if !ok {
		o.mu.Unlock()
		zap.L().Warn("open event for untracked session", zap.String("phone_number", phoneNumber))
		return
	}
	session.Status = StatusConnected
	session.ConnectedAt = time.Now()
	session.LastActivity = time.Now()
	first := session.IsFirstConnection
	socket := session.Socket
	o.mu.Unlock()

	zap.L().Info("session open",
		zap.String("phone_number", phoneNumber), zap.Bool("first_connection", first))
	o.bus.Publish(TopicSessionOpen, phoneNumber)

	if first {
		go o.firstConnectionFlow(phoneNumber, socket)
	} else {
		go o.reconnectionFlow(phoneNumber)
	}

	// group joining is decoupled from the open handler so slow invites
	// cannot delay the session becoming usable
	if len(o.cfg.Bot.InviteLinks) > 0 && socket != nil {
		go o.joinGroups(phoneNumber, socket)
	}
}

func (o *Orchestrator) firstConnectionFlow(phoneNumber string, socket Socket) {
	ctx := context.Background()
	password, err := o.users.CreateUser(ctx, phoneNumber)
	if err != nil {
		zap.L().Error("create user failed", zap.String("phone_number", phoneNumber), zap.Error(err))
	} else if socket != nil {
		welcome := fmt.Sprintf("connected.\nnumber: %s\npassword: %s\nprefix: %s",
			phoneNumber, password, o.cfg.Bot.Prefix)
		if err := socket.SendText(ctx, socket.JID(), welcome); err != nil {
			zap.L().Warn("welcome message failed", zap.String("phone_number", phoneNumber), zap.Error(err))
		}
	}
	o.delayedBackup(phoneNumber, o.cfg.Bot.BackupDelay)
}

func (o *Orchestrator) reconnectionFlow(phoneNumber string) {
	user := o.lookupUser(context.Background(), phoneNumber)
	if user != nil && user.BackupComplete() {
		// nothing to do unless the backup later goes stale; credential
		// updates trigger fresh uploads on their own
		return
	}
	o.delayedBackup(phoneNumber, o.cfg.Bot.RestoreDelay)
}

func (o *Orchestrator) delayedBackup(phoneNumber string, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-o.closed:
		return
	}
	if err := o.Backup(context.Background(), phoneNumber); err != nil {
		zap.L().Warn("session backup failed", zap.String("phone_number", phoneNumber), zap.Error(err))
	}
}

// Backup uploads the user's credential snapshot and records the session id
// and blob id. A completed backup fresher than five minutes is left alone.
// Freshness is judged by the last successful upload this process performed,
// not by row timestamps: any settings write renews updated_at.
func (o *Orchestrator) Backup(ctx context.Context, phoneNumber string) error {
	user := o.lookupUser(ctx, phoneNumber)
	if user != nil && user.BackupComplete() && o.recentBackup(phoneNumber) {
		zap.L().Debug("backup skipped, fresh backup exists", zap.String("phone_number", phoneNumber))
		return nil
	}

	path := o.dialer.CredentialFile(phoneNumber)
	blobID, err := o.blobs.Upload(ctx, phoneNumber, path)
	if err != nil {
		return errors.Wrapf(err, "wabot: backup %s", phoneNumber)
	}

	sessionID := ""
	if user != nil && user.SessionID != nil {
		sessionID = *user.SessionID
	}
	if sessionID == "" {
		sessionID = store.GenerateSessionID()
	}
	if user == nil {
		if _, err := o.users.CreateUser(ctx, phoneNumber); err != nil {
			return errors.Wrapf(err, "wabot: create user for backup %s", phoneNumber)
		}
	}
	if err := o.users.UpdateSession(ctx, phoneNumber, sessionID, blobID); err != nil {
		return errors.Wrapf(err, "wabot: record backup %s", phoneNumber)
	}

	o.mu.Lock()
	o.lastBackup[phoneNumber] = time.Now()
	if s, ok := o.sessions[phoneNumber]; ok {
		s.IsFirstConnection = false
	}
	o.mu.Unlock()

	o.bus.Publish(TopicBackupCompleted, phoneNumber)
	zap.L().Info("session backup completed",
		zap.String("phone_number", phoneNumber), zap.String("blob_id", blobID))
	return nil
}

func (o *Orchestrator) handleClosed(phoneNumber string, loggedOut bool) {
	o.mu.Lock()
	session, ok := o.sessions[phoneNumber]
	if ok {
		session.Status = StatusDisconnected
		session.LastActivity = time.Now()
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if loggedOut {
		zap.L().Info("session logged out, running cleanup", zap.String("phone_number", phoneNumber))
		o.cleanupLoggedOut(phoneNumber)
		o.bus.Publish(TopicSessionLoggedOut, phoneNumber)
		return
	}

	zap.L().Info("session closed, queueing reconnect", zap.String("phone_number", phoneNumber))
	o.batcher.Enqueue(phoneNumber)
	o.bus.Publish(TopicSessionClosed, phoneNumber)
}

// cleanupLoggedOut removes every trace of the user. The steps are
// independent: one failing must not stop the rest.
func (o *Orchestrator) cleanupLoggedOut(phoneNumber string) {
	ctx := context.Background()

	if user := o.lookupUser(ctx, phoneNumber); user != nil && user.BlobID != nil {
		if err := o.blobs.Delete(ctx, *user.BlobID); err != nil {
			zap.L().Warn("cleanup: blob delete failed", zap.String("phone_number", phoneNumber), zap.Error(err))
		}
	}
	if err := o.users.DeleteSession(ctx, phoneNumber); err != nil && !errors.Is(err, store.ErrUserNotFound) {
		zap.L().Warn("cleanup: store session clear failed", zap.String("phone_number", phoneNumber), zap.Error(err))
	}
	if err := o.dialer.ClearLocalState(phoneNumber); err != nil {
		zap.L().Warn("cleanup: local state delete failed", zap.String("phone_number", phoneNumber), zap.Error(err))
	}

	o.mu.Lock()
	delete(o.sessions, phoneNumber)
	delete(o.lastBackup, phoneNumber)
	o.mu.Unlock()
	o.batcher.Remove(phoneNumber)
	o.attempts.Reset(phoneNumber)
	o.pairing.Cancel(phoneNumber)
}

func (o *Orchestrator) recentBackup(phoneNumber string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	at, ok := o.lastBackup[phoneNumber]
	return ok && time.Since(at) < backupFreshness
}

// handlePairingChallenge resolves the pending pairing request by asking the
// socket for a linking code. The branded code is preferred; when the
// network refuses it, one retry with a server-generated code happens before
// the request is failed.
func (o *Orchestrator) handlePairingChallenge(phoneNumber string) {
	defer func() {
		if rc := recover(); rc != nil {
			zap.L().Error("pairing challenge handler panic",
				zap.String("phone_number", phoneNumber), zap.Any("panic", rc))
		}
	}()
	if !o.pairing.HasPending(phoneNumber) {
		return
	}
	o.mu.RLock()
	session, ok := o.sessions[phoneNumber]
	o.mu.RUnlock()
	if !ok {
		o.pairing.Fail(phoneNumber, errors.Wrapf(ErrSessionNotFound, "%s", phoneNumber))
		return
	}
	// the challenge can arrive while Dial is still returning, before the
	// socket is recorded on the session; wait for the dial to resolve
	select {
	case <-session.ready:
	case <-o.closed:
		return
	}
	o.mu.RLock()
	socket := session.Socket
	o.mu.RUnlock()
	if socket == nil {
		o.pairing.Fail(phoneNumber, errors.Wrapf(ErrSessionNotFound, "%s", phoneNumber))
		return
	}

	ctx := context.Background()
	code, err := socket.RequestPairingCode(ctx, phoneNumber, o.cfg.Bot.PairingCodeBrand)
	if err != nil {
		zap.L().Warn("branded pairing code failed, retrying unbranded",
			zap.String("phone_number", phoneNumber), zap.Error(err))
		code, err = socket.RequestPairingCode(ctx, phoneNumber, "")
	}
	if err != nil {
		o.pairing.Fail(phoneNumber, errors.Wrapf(err, "wabot: pairing code for %s", phoneNumber))
		return
	}
	o.pairing.Complete(phoneNumber, code)
	zap.L().Info("pairing code issued", zap.String("phone_number", phoneNumber))
}

// handleCredentialsUpdate refreshes the remote backup when the protocol
// library rotates key material, but only for sessions already past their
// first backup so the initial delayed backup is not raced.
func (o *Orchestrator) handleCredentialsUpdate(phoneNumber string) {
	o.mu.RLock()
	session, ok := o.sessions[phoneNumber]
	first := ok && session.IsFirstConnection
	o.mu.RUnlock()
	if !ok || first {
		return
	}
	go func() {
		if err := o.Backup(context.Background(), phoneNumber); err != nil {
			zap.L().Warn("credential refresh backup failed",
				zap.String("phone_number", phoneNumber), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) joinGroups(phoneNumber string, socket Socket) {
	select {
	case <-time.After(o.cfg.Bot.GroupJoinDelay):
	case <-o.closed:
		return
	}
	ctx := context.Background()
	for _, link := range o.cfg.Bot.InviteLinks {
		code := inviteCode(link)
		if code == "" {
			continue
		}
		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			if err = socket.AcceptInvite(ctx, code); err == nil {
				break
			}
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		if err != nil {
			zap.L().Warn("group join failed",
				zap.String("phone_number", phoneNumber), zap.String("invite", code), zap.Error(err))
		}
	}
}

func inviteCode(link string) string {
	link = strings.TrimSpace(link)
	if idx := strings.LastIndex(link, "/"); idx >= 0 {
		link = link[idx+1:]
	}
	return link
}

// handleMessage hands the inbound message to the worker pool so a slow
// command cannot stall the protocol read loop.
func (o *Orchestrator) handleMessage(phoneNumber string, msg Message) {
	o.mu.Lock()
	session, ok := o.sessions[phoneNumber]
	var socket Socket
	if ok {
		session.LastActivity = time.Now()
		socket = session.Socket
	}
	o.mu.Unlock()
	if !ok || socket == nil || msg.FromMe {
		return
	}

	if err := o.pool.Submit(func() { o.dispatchMessage(phoneNumber, socket, msg) }); err != nil {
		zap.L().Warn("message dispatch rejected", zap.String("phone_number", phoneNumber), zap.Error(err))
	}
}

func (o *Orchestrator) dispatchMessage(phoneNumber string, socket Socket, msg Message) {
	defer func() {
		if rc := recover(); rc != nil {
			zap.L().Error("message dispatch panic",
				zap.String("phone_number", phoneNumber), zap.Any("panic", rc))
		}
	}()

	text := strings.TrimSpace(msg.Text)
	prefix := o.cfg.Bot.Prefix
	if text == "" || !strings.HasPrefix(text, prefix) {
		return
	}
	isOwner := senderNumber(msg.Sender) == o.cfg.Bot.OwnerNumber

	switch o.cfg.Bot.Mode {
	case "private":
		if !isOwner {
			return
		}
	case "inbox":
		if msg.IsGroup {
			return
		}
	case "groups":
		if !msg.IsGroup {
			return
		}
	}

	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return
	}

	ev := &command.Event{
		PhoneNumber: phoneNumber,
		Chat:        msg.Chat,
		Sender:      msg.Sender,
		PushName:    msg.PushName,
		Text:        text,
		Command:     fields[0],
		Args:        fields[1:],
		IsGroup:     msg.IsGroup,
		IsOwner:     isOwner,
		Reply: func(reply string) error {
			return socket.SendText(context.Background(), msg.Chat, reply)
		},
	}
	o.registry.Dispatch(context.Background(), ev)
}

func senderNumber(jid string) string {
	if idx := strings.IndexAny(jid, "@:"); idx >= 0 {
		return jid[:idx]
	}
	return jid
}
