package blob

import (
	"context"
)

// BackupService stores credential snapshots in object storage. BlobIDs
// are opaque to callers and only meaningful to the implementation that
// minted them.
type BackupService interface {
	// Available reports whether the service is configured and the
	// backing bucket is reachable right now. Keys can be rotated at
	// runtime, so the answer may change between calls.
	Available(ctx context.Context) bool

	// Upload pushes the credential file at path and returns the new
	// blob ID. The file must exist, be non-empty and hold valid JSON.
	Upload(ctx context.Context, phoneNumber, path string) (string, error)

	// Download fetches the blob and writes it to path, creating parent
	// directories as needed.
	Download(ctx context.Context, blobID, path string) error

	// Delete removes the blob. Deleting an unknown blob is not an error.
	Delete(ctx context.Context, blobID string) error
}
