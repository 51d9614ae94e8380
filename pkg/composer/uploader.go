package composer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pion/logging"
)

// S3Config configures upload of the composed file to S3-compatible storage.
type S3Config struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	BucketName      string `toml:"bucket_name"`
	KeyPrefix       string `toml:"key_prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UseSSL          bool   `toml:"use_ssl"`
	// DeleteAfterUpload removes the local file once the upload succeeds.
	DeleteAfterUpload bool `toml:"delete_after_upload"`
}

// Uploader pushes composed files to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	cfg    S3Config
	log    logging.LeveledLogger
}

// NewUploader creates an uploader from the given config.
func NewUploader(cfg S3Config, loggerFactory logging.LoggerFactory) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Uploader{
		client: client,
		cfg:    cfg,
		log:    loggerFactory.NewLogger("composer"),
	}, nil
}

// Upload stores filePath under objectName in the configured bucket.
func (u *Uploader) Upload(ctx context.Context, filePath, objectName string) error {
	if u.cfg.KeyPrefix != "" {
		objectName = filepath.Join(u.cfg.KeyPrefix, objectName)
	}

	info, err := u.client.FPutObject(ctx, u.cfg.BucketName, objectName, filePath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", filePath, err)
	}

	u.log.Infof("composer: uploaded %s (%d bytes) to bucket %s", objectName, info.Size, u.cfg.BucketName)

	if u.cfg.DeleteAfterUpload {
		if err := os.Remove(filePath); err != nil {
			u.log.Warnf("composer: failed to remove local file after upload: %v", err)
		}
	}

	return nil
}
