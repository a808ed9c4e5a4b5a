package whatsapp

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
	"google.golang.org/protobuf/proto"
)

// credentialSnapshot is the portable form of one device's key material.
// It is what gets uploaded to the blob store and re-imported on restore.
// Byte slices serialize as base64 through the JSON encoder.
type credentialSnapshot struct {
	JID             string    `json:"jid"`
	RegistrationID  uint32    `json:"registration_id"`
	NoiseKey        []byte    `json:"noise_key"`
	IdentityKey     []byte    `json:"identity_key"`
	SignedPreKey    []byte    `json:"signed_pre_key"`
	SignedPreKeyID  uint32    `json:"signed_pre_key_id"`
	SignedPreKeySig []byte    `json:"signed_pre_key_sig"`
	AdvSecretKey    []byte    `json:"adv_secret_key"`
	Account         []byte    `json:"account,omitempty"`
	PushName        string    `json:"push_name,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	BusinessName    string    `json:"business_name,omitempty"`
	SavedAt         time.Time `json:"saved_at"`
}

// exportCredentials snapshots the device into path. Called after pairing
// succeeds and whenever key material rotates.
func exportCredentials(device *store.Device, path string) error {
	if device == nil || device.ID == nil {
		return errors.New("whatsapp: device has no identity to export")
	}
	snap := credentialSnapshot{
		JID:             device.ID.String(),
		RegistrationID:  device.RegistrationID,
		NoiseKey:        device.NoiseKey.Priv[:],
		IdentityKey:     device.IdentityKey.Priv[:],
		SignedPreKey:    device.SignedPreKey.Priv[:],
		SignedPreKeyID:  device.SignedPreKey.KeyID,
		SignedPreKeySig: device.SignedPreKey.Signature[:],
		AdvSecretKey:    device.AdvSecretKey,
		PushName:        device.PushName,
		Platform:        device.Platform,
		BusinessName:    device.BusinessName,
		SavedAt:         time.Now(),
	}
	if device.Account != nil {
		acc, err := proto.Marshal(device.Account)
		if err != nil {
			return errors.Wrap(err, "whatsapp: marshal device account")
		}
		snap.Account = acc
	}
	data, err := jsoniter.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "whatsapp: marshal credential snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "whatsapp: create credential dir")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "whatsapp: write credential snapshot")
	}
	return nil
}

// loadSnapshot reads and validates a credential snapshot file.
func loadSnapshot(path string) (*credentialSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: read credential snapshot")
	}
	var snap credentialSnapshot
	if err := jsoniter.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "whatsapp: parse credential snapshot")
	}
	if snap.JID == "" || len(snap.NoiseKey) != 32 || len(snap.IdentityKey) != 32 {
		return nil, errors.New("whatsapp: credential snapshot incomplete")
	}
	return &snap, nil
}

// importCredentials rebuilds the device from a snapshot and persists it so
// the next dial logs in without pairing again.
func importCredentials(device *store.Device, path string) error {
	snap, err := loadSnapshot(path)
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(snap.JID)
	if err != nil {
		return errors.Wrapf(err, "whatsapp: snapshot jid %q", snap.JID)
	}

	var noisePriv, identityPriv, preKeyPriv [32]byte
	copy(noisePriv[:], snap.NoiseKey)
	copy(identityPriv[:], snap.IdentityKey)
	copy(preKeyPriv[:], snap.SignedPreKey)
	var preKeySig [64]byte
	copy(preKeySig[:], snap.SignedPreKeySig)

	device.ID = &jid
	device.RegistrationID = snap.RegistrationID
	device.NoiseKey = keys.NewKeyPairFromPrivateKey(noisePriv)
	device.IdentityKey = keys.NewKeyPairFromPrivateKey(identityPriv)
	device.SignedPreKey = &keys.PreKey{
		KeyPair:   *keys.NewKeyPairFromPrivateKey(preKeyPriv),
		KeyID:     snap.SignedPreKeyID,
		Signature: &preKeySig,
	}
	device.AdvSecretKey = snap.AdvSecretKey
	device.PushName = snap.PushName
	device.Platform = snap.Platform
	device.BusinessName = snap.BusinessName
	if len(snap.Account) > 0 {
		var acc waAdv.ADVSignedDeviceIdentity
		if err := proto.Unmarshal(snap.Account, &acc); err != nil {
			return errors.Wrap(err, "whatsapp: unmarshal device account")
		}
		device.Account = &acc
	}
	if err := device.Save(); err != nil {
		return errors.Wrap(err, "whatsapp: persist imported device")
	}
	return nil
}
