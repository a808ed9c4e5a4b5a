package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
)

func TestValidateCredentialFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := validateCredentialFile(filepath.Join(dir, "nope.json"))
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("empty", func(t *testing.T) {
		p := filepath.Join(dir, "empty.json")
		require.NoError(t, os.WriteFile(p, nil, 0o600))
		_, err := validateCredentialFile(p)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("not json", func(t *testing.T) {
		p := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(p, []byte("not json at all"), 0o600))
		_, err := validateCredentialFile(p)
		assert.ErrorIs(t, err, ErrInvalidFile)
	})

	t.Run("valid", func(t *testing.T) {
		p := filepath.Join(dir, "ok.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"jid":"123@s.whatsapp.net"}`), 0o600))
		data, err := validateCredentialFile(p)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	})
}

func TestS3BackupServiceNotConfigured(t *testing.T) {
	t.Setenv("BOUTKK_BLOB_ACCESS_KEY", "")
	t.Setenv("BOUTKK_BLOB_SECRET_KEY", "")
	cfg := *appconfig.DefaultAppConfig
	cfg.Blob.AccessKey = ""
	cfg.Blob.SecretKey = ""
	svc := NewS3BackupService(&cfg)
	ctx := context.Background()

	assert.False(t, svc.Available(ctx))
	assert.ErrorIs(t, svc.Download(ctx, "sessions/1/1.json", filepath.Join(t.TempDir(), "x")), ErrNotConfigured)
	assert.ErrorIs(t, svc.Delete(ctx, "sessions/1/1.json"), ErrNotConfigured)
}

func TestS3BackupServiceUploadRejectsBadFileBeforeTransport(t *testing.T) {
	t.Setenv("BOUTKK_BLOB_ACCESS_KEY", "")
	t.Setenv("BOUTKK_BLOB_SECRET_KEY", "")
	cfg := *appconfig.DefaultAppConfig
	cfg.Blob.AccessKey = ""
	cfg.Blob.SecretKey = ""
	svc := NewS3BackupService(&cfg)

	// invalid local file fails fast even with no credentials configured
	_, err := svc.Upload(context.Background(), "18095551234", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrInvalidFile)
}
