package artifacts

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Mirror copies committed artifacts to secondary storage. Mirror failures
// never fail a build.
type Mirror interface {
	Upload(ctx context.Context, art Artifact) error
}

// MirrorConfig configures an S3 compatible bucket.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether enough is configured to build a client.
func (c MirrorConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

func (c MirrorConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("mirror endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("mirror endpoint must not include a scheme")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("mirror bucket is required")
	}
	return nil
}

// MinioMirror uploads artifacts with minio-go.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioMirror(cfg MirrorConfig) (*MinioMirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioMirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrap(err, "check mirror bucket")
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrap(err, "create mirror bucket")
	}
	return nil
}

// Key is the object key used for art.
func (m *MinioMirror) Key(art Artifact) string {
	name := path.Base(art.Path)
	dir := art.Identity.Codename
	if dir == "" {
		dir = "reports"
	}
	return path.Join(m.prefix, dir, name)
}

func (m *MinioMirror) Upload(ctx context.Context, art Artifact) error {
	if m == nil || m.client == nil {
		return errors.New("minio mirror not initialized")
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return errors.Wrap(err, "open artifact for mirror")
	}
	defer f.Close()

	key := m.Key(art)
	opts := minio.PutObjectOptions{
		ContentType:  contentType(art.Kind),
		UserMetadata: map[string]string{"sha256": art.SHA256},
	}
	if _, err := m.client.PutObject(ctx, m.bucket, key, f, art.SizeBytes, opts); err != nil {
		return errors.Wrapf(err, "upload %s", key)
	}
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "stat %s", key)
	}
	if info.Size != art.SizeBytes {
		return errors.Errorf("mirror size mismatch for %s: %d != %d", key, info.Size, art.SizeBytes)
	}
	log.Info().Str("bucket", m.bucket).Str("key", key).Msg("artifact mirrored")
	return nil
}

func contentType(kind Kind) string {
	switch kind {
	case KindZip:
		return "application/zip"
	case KindLog:
		return "text/plain; charset=utf-8"
	case KindReport:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
