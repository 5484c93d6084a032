package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shehryarbajwa/quotefill/internal/config"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// KindScreenshot marks a full-page PNG capture.
const KindScreenshot = "screenshot"

// Screenshotter captures the current page as PNG.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Target identifies what a capture belongs to.
type Target struct {
	EntityID      string
	CorrelationID string
	Stage         string
}

// Uploader captures a page and stores the image, returning its reference.
type Uploader interface {
	Capture(ctx context.Context, page Screenshotter, t Target) (models.Evidence, error)
}

// Bucket is the object store the uploader writes into.
type Bucket interface {
	Name() string
	// Create writes a new object. Writing an object that already exists is not an error.
	Create(ctx context.Context, object, contentType string, data []byte) error
}

// GCSUploader stores screenshots in a Cloud Storage bucket.
type GCSUploader struct {
	bucket  Bucket
	prefix  string
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewGCSUploader returns nil and no error when no bucket is configured, which
// callers treat as evidence storage being unavailable.
func NewGCSUploader(ctx context.Context, cfg config.EvidenceConfig, logger *zap.Logger) (*GCSUploader, func() error, error) {
	if cfg.Bucket == "" {
		return nil, func() error { return nil }, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	u := NewUploader(&gcsBucket{handle: client.Bucket(cfg.Bucket), name: cfg.Bucket}, cfg.Prefix, cfg.UploadTimeout, logger)
	return u, client.Close, nil
}

// NewUploader builds an uploader over any Bucket.
func NewUploader(bucket Bucket, prefix string, timeout time.Duration, logger *zap.Logger) *GCSUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GCSUploader{
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		timeout: timeout,
		now:     time.Now,
		logger:  logger.Named("evidence"),
	}
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func segment(s string) string {
	s = unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" {
		return "_"
	}
	return s
}

// ObjectName returns prefix/entity/correlation/<unix>-<stage>.png.
func (u *GCSUploader) ObjectName(t Target, at time.Time) string {
	name := fmt.Sprintf("%d-%s.png", at.Unix(), segment(t.Stage))
	parts := []string{segment(t.EntityID), segment(t.CorrelationID), name}
	if u.prefix != "" {
		parts = append([]string{u.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (u *GCSUploader) Capture(ctx context.Context, page Screenshotter, t Target) (models.Evidence, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	png, err := page.Screenshot(ctx)
	if err != nil {
		return models.Evidence{}, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	object := u.ObjectName(t, u.now())
	if err := u.bucket.Create(ctx, object, "image/png", png); err != nil {
		return models.Evidence{}, fmt.Errorf("failed to upload screenshot: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", u.bucket.Name(), object)
	u.logger.Info("Evidence stored.",
		zap.String("correlation_id", t.CorrelationID),
		zap.String("uri", uri),
		zap.Int("bytes", len(png)),
	)
	return models.Evidence{Kind: KindScreenshot, URI: uri}, nil
}

type gcsBucket struct {
	handle *storage.BucketHandle
	name   string
}

func (b *gcsBucket) Name() string { return b.name }

// Create writes with a DoesNotExist precondition so retried jobs never overwrite evidence.
func (b *gcsBucket) Create(ctx context.Context, object, contentType string, data []byte) error {
	w := b.handle.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if alreadyExists(err) {
			return nil
		}
		return err
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

func alreadyExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
