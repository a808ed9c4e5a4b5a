package wabot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"github.com/vtry813-sketch/bout-kk/internal/store"
	"github.com/vtry813-sketch/bout-kk/internal/wabot/command"
)

func TestConnectRejectsInvalidPhone(t *testing.T) {
	rig := newTestRig(t)

	for _, phone := range []string{"", "123", "12345678901234567", "123abc7890", "+15551234567"} {
		err := rig.bot.Connect(context.Background(), phone)
		assert.ErrorIs(t, err, ErrInvalidPhoneNumber, "phone %q", phone)
	}
	assert.Zero(t, rig.dialer.dialCalls, "no dial on validation failure")
	assert.Empty(t, rig.bot.ConnectedUsers(), "no session state on validation failure")
	assert.Zero(t, rig.bot.Attempts().Count("123"), "no attempt counted on validation failure")
}

func TestConnectBackedOffReturnsNil(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"
	for i := 0; i < 6; i++ {
		rig.bot.Attempts().Increment(phone)
	}

	err := rig.bot.Connect(context.Background(), phone)
	require.NoError(t, err, "backed off connect is silent")
	assert.Zero(t, rig.dialer.dialCalls)
}

func TestFirstConnectionLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	require.NoError(t, rig.bot.Connect(ctx, phone))

	users := rig.bot.ConnectedUsers()
	require.Len(t, users, 1)
	assert.Equal(t, string(StatusConnecting), users[0].Status)
	assert.True(t, users[0].IsFirstConnection)

	rig.dialer.fire(phone, ConnectionUpdate{State: StateOpen})

	assert.Eventually(t, func() bool {
		return rig.bot.ConnectedCount() == 1
	}, time.Second, 5*time.Millisecond, "status becomes connected")

	// welcome flow plus delayed backup
	assert.Eventually(t, func() bool {
		return rig.dialer.socket(phone).sentCount() > 0
	}, time.Second, 5*time.Millisecond, "welcome message sent")

	assert.Eventually(t, func() bool {
		user, err := rig.users.GetUser(ctx, phone)
		return err == nil && user.BackupComplete()
	}, time.Second, 5*time.Millisecond, "backup recorded after delay")

	assert.Equal(t, 0, rig.bot.Attempts().Count(phone), "attempt counter reset on open")

	// the same number now classifies as restore
	require.NoError(t, rig.bot.DisconnectUser(phone))
	require.NoError(t, rig.bot.Connect(ctx, phone))
	users = rig.bot.ConnectedUsers()
	require.Len(t, users, 1)
	assert.False(t, users[0].IsFirstConnection, "completed backup means restore")
}

func TestRestoreDownloadsWhenLocalStateMissing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	_, err := rig.users.CreateUser(ctx, phone)
	require.NoError(t, err)
	require.NoError(t, rig.users.UpdateSession(ctx, phone, "abcd1234abcd1234", "sessions/x/1.json"))

	require.NoError(t, rig.bot.Connect(ctx, phone))
	assert.Equal(t, 1, rig.blobs.downloads, "missing local state pulls the blob")
	users := rig.bot.ConnectedUsers()
	require.Len(t, users, 1)
	assert.False(t, users[0].IsFirstConnection)
}

func TestRestoreFailureDegradesToFirstConnection(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	_, err := rig.users.CreateUser(ctx, phone)
	require.NoError(t, err)
	require.NoError(t, rig.users.UpdateSession(ctx, phone, "abcd1234abcd1234", "sessions/x/1.json"))
	rig.blobs.downErr = assert.AnError

	require.NoError(t, rig.bot.Connect(ctx, phone))
	users := rig.bot.ConnectedUsers()
	require.Len(t, users, 1)
	assert.True(t, users[0].IsFirstConnection, "failed restore degrades, not fails")
}

func TestClosedNonTerminalQueuesReconnect(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"
	require.NoError(t, rig.bot.Connect(context.Background(), phone))
	rig.dialer.fire(phone, ConnectionUpdate{State: StateOpen})

	rig.dialer.fire(phone, ConnectionUpdate{State: StateClosed})

	users := rig.bot.ConnectedUsers()
	require.Len(t, users, 1)
	assert.Equal(t, string(StatusDisconnected), users[0].Status)
	assert.Contains(t, rig.bot.BatchStatus().Numbers, phone)
}

func TestLoggedOutRunsFullCleanup(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	require.NoError(t, rig.bot.Connect(ctx, phone))
	rig.dialer.fire(phone, ConnectionUpdate{State: StateOpen})
	assert.Eventually(t, func() bool {
		user, err := rig.users.GetUser(ctx, phone)
		return err == nil && user.BackupComplete()
	}, time.Second, 5*time.Millisecond)

	rig.dialer.fire(phone, ConnectionUpdate{State: StateClosed, LoggedOut: true})

	assert.Empty(t, rig.bot.ConnectedUsers(), "session removed from all maps")
	assert.NotContains(t, rig.bot.BatchStatus().Numbers, phone)
	assert.Contains(t, rig.dialer.cleared, phone, "local credential state removed")
	assert.NotEmpty(t, rig.blobs.deletes, "remote blob deleted")
	user, err := rig.users.GetUser(ctx, phone)
	require.NoError(t, err)
	assert.False(t, user.BackupComplete(), "store session fields cleared")
}

func TestBackupIdempotentWithinFreshnessWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	require.NoError(t, rig.bot.Connect(ctx, phone))
	require.NoError(t, rig.bot.Backup(ctx, phone))
	require.NoError(t, rig.bot.Backup(ctx, phone))

	assert.Equal(t, 1, rig.blobs.uploadCount(), "fresh backup is not re-uploaded")
}

func TestOpenLeavesCommandSetAlone(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"

	rig.registry.Register(command.Spec{Name: "adhoc", Handler: func(ctx context.Context, ev *command.Event) error {
		return nil
	}})
	before := rig.registry.Len()

	require.NoError(t, rig.bot.Connect(context.Background(), phone))
	rig.dialer.fire(phone, ConnectionUpdate{State: StateOpen})
	require.Eventually(t, func() bool {
		return rig.bot.ConnectedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, before, rig.registry.Len(), "opening a session must not rebuild the command set")
	ev := &command.Event{Command: "adhoc", Reply: func(string) error { return nil }}
	assert.True(t, rig.registry.Dispatch(context.Background(), ev))
}

func TestStaleBackupReuploadsAfterSettingsTouch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	_, err := rig.users.CreateUser(ctx, phone)
	require.NoError(t, err)
	require.NoError(t, rig.users.UpdateSession(ctx, phone, "abcd1234abcd1234", "sessions/x/1.json"))
	on := true
	require.NoError(t, rig.users.UpdateSettings(ctx, phone, domain.Settings{AntiDelete: &on}))

	// the row was just touched, but this process never uploaded anything
	require.NoError(t, rig.bot.Backup(ctx, phone))
	assert.Equal(t, 1, rig.blobs.uploadCount(), "a renewed row timestamp must not mask a stale backup")
}

func TestConnectDisconnectsDisplacedSocket(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	phone := "15551234567"

	require.NoError(t, rig.bot.Connect(ctx, phone))
	first := rig.dialer.socket(phone)
	require.NotNil(t, first)

	// still connecting, so a second connect supersedes the session
	require.NoError(t, rig.bot.Connect(ctx, phone))
	assert.True(t, first.wasDisconnected(), "displaced socket must be closed")
	assert.Len(t, rig.bot.ConnectedUsers(), 1)
}

func TestPairingChallengeDuringDial(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"

	// surface the challenge before Dial has returned, so the socket is not
	// yet recorded on the session when the handler runs
	rig.dialer.onDial = func(p string) {
		done := make(chan struct{})
		go func() {
			rig.dialer.fire(p, ConnectionUpdate{State: StateConnecting, PairingChallenge: true})
			close(done)
		}()
		<-done
	}

	code, err := rig.bot.RequestPairing(context.Background(), phone)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)
}

func TestPairingEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := rig.bot.RequestPairing(context.Background(), phone)
		done <- result{code, err}
	}()

	require.Eventually(t, func() bool {
		return rig.dialer.socket(phone) != nil
	}, time.Second, 5*time.Millisecond, "dial happens")

	rig.dialer.fire(phone, ConnectionUpdate{State: StateConnecting, PairingChallenge: true})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "ABCD-1234", res.code)
	case <-time.After(time.Second):
		t.Fatal("pairing did not resolve")
	}
	sock := rig.dialer.socket(phone)
	require.Len(t, sock.pairCalls, 1)
	assert.Equal(t, rig.cfg.Bot.PairingCodeBrand, sock.pairCalls[0])
}

func TestPairingBrandedFallback(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"

	done := make(chan string, 1)
	go func() {
		code, err := rig.bot.RequestPairing(context.Background(), phone)
		if err == nil {
			done <- code
		} else {
			done <- "ERR:" + err.Error()
		}
	}()

	require.Eventually(t, func() bool {
		return rig.dialer.socket(phone) != nil
	}, time.Second, 5*time.Millisecond)
	rig.dialer.socket(phone).failBranded = true

	rig.dialer.fire(phone, ConnectionUpdate{State: StateConnecting, PairingChallenge: true})

	select {
	case code := <-done:
		assert.Equal(t, "ABCD-1234", code)
	case <-time.After(time.Second):
		t.Fatal("pairing did not resolve")
	}
	sock := rig.dialer.socket(phone)
	require.Len(t, sock.pairCalls, 2, "branded attempt then unbranded retry")
	assert.Equal(t, "", sock.pairCalls[1])
}

func TestPairingTimesOut(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"

	_, err := rig.bot.RequestPairing(context.Background(), phone)
	assert.ErrorIs(t, err, ErrPairingTimeout)
	assert.False(t, rig.bot.pairing.HasPending(phone), "expired entry removed")
}

func TestPairingRejectsConnectedSession(t *testing.T) {
	rig := newTestRig(t)
	phone := "15551234567"
	require.NoError(t, rig.bot.Connect(context.Background(), phone))
	rig.dialer.fire(phone, ConnectionUpdate{State: StateOpen})
	require.Eventually(t, func() bool {
		return rig.bot.ConnectedCount() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := rig.bot.RequestPairing(context.Background(), phone)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestRestoreAllEnqueuesBackedUpUsers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for _, phone := range []string{"15551234501", "15551234502"} {
		_, err := rig.users.CreateUser(ctx, phone)
		require.NoError(t, err)
		require.NoError(t, rig.users.UpdateSession(ctx, phone, store.GenerateSessionID(), "sessions/"+phone+"/1.json"))
	}
	_, err := rig.users.CreateUser(ctx, "15551234503") // no backup
	require.NoError(t, err)

	require.NoError(t, rig.bot.RestoreAll(ctx))
	status := rig.bot.BatchStatus()
	assert.Equal(t, 2, status.Pending)
	assert.NotContains(t, status.Numbers, "15551234503")
}
