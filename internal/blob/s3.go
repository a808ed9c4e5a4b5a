package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
	"go.uber.org/zap"
)

const (
	uploadMaxAttempts = 5
	uploadDelayStep   = 3 * time.Second
	uploadDelayCap    = 15 * time.Second
)

var (
	ErrNotConfigured = errors.New("blob: storage credentials not configured")
	ErrInvalidFile   = errors.New("blob: credential file missing or invalid")
)

// S3BackupService stores credential snapshots in an S3-compatible bucket.
// The client is rebuilt on every operation so rotated access keys take
// effect without a restart.
type S3BackupService struct {
	cfg *appconfig.AppConfig
}

var _ BackupService = (*S3BackupService)(nil)

func NewS3BackupService(cfg *appconfig.AppConfig) *S3BackupService {
	return &S3BackupService{cfg: cfg}
}

func (s *S3BackupService) client(ctx context.Context) (*s3.Client, error) {
	accessKey, secretKey := s.cfg.BlobCredentials()
	if accessKey == "" || secretKey == "" {
		return nil, ErrNotConfigured
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.cfg.Blob.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "blob: load aws config")
	}
	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if s.cfg.Blob.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Blob.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

func (s *S3BackupService) Available(ctx context.Context) bool {
	client, err := s.client(ctx)
	if err != nil {
		return false
	}
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Blob.Bucket)})
	if err != nil {
		zap.L().Debug("blob storage unreachable", zap.Error(err))
		return false
	}
	return true
}

// validateCredentialFile rejects uploads before any bytes hit the wire:
// a missing, empty or corrupt snapshot must never replace a good blob.
func validateCredentialFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidFile, "read %s: %v", path, err)
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrInvalidFile, "empty file %s", path)
	}
	var parsed map[string]interface{}
	if err := jsoniter.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrapf(ErrInvalidFile, "not valid json %s: %v", path, err)
	}
	return data, nil
}

func (s *S3BackupService) Upload(ctx context.Context, phoneNumber, path string) (string, error) {
	data, err := validateCredentialFile(path)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("sessions/%s/%d.json", phoneNumber, time.Now().UnixNano())

	var lastErr error
	for attempt := 1; attempt <= uploadMaxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt) * uploadDelayStep
			if delay > uploadDelayCap {
				delay = uploadDelayCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		// keys may have been rotated mid-retry
		client, err := s.client(ctx)
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				return "", err
			}
			lastErr = err
			continue
		}
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Blob.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err == nil {
			zap.L().Info("credential blob uploaded",
				zap.String("phone_number", phoneNumber), zap.String("blob_id", key), zap.Int("attempt", attempt))
			return key, nil
		}
		lastErr = err
		zap.L().Warn("credential blob upload failed",
			zap.String("phone_number", phoneNumber), zap.Int("attempt", attempt), zap.Error(err))
	}
	return "", errors.Wrapf(lastErr, "blob: upload for %s exhausted %d attempts", phoneNumber, uploadMaxAttempts)
}

func (s *S3BackupService) Download(ctx context.Context, blobID, path string) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Blob.Bucket),
		Key:    aws.String(blobID),
	})
	if err != nil {
		return errors.Wrapf(err, "blob: download %s", blobID)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return errors.Wrapf(err, "blob: read body of %s", blobID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "blob: create target dir")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "blob: write %s", path)
	}
	return nil
}

func (s *S3BackupService) Delete(ctx context.Context, blobID string) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Blob.Bucket),
		Key:    aws.String(blobID),
	})
	if err != nil {
		return errors.Wrapf(err, "blob: delete %s", blobID)
	}
	return nil
}
