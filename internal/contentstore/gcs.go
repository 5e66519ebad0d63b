package contentstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"course-anchor/internal/domain"
)

// bucket is the slice of the GCS API the publisher needs.
type bucket interface {
	Attrs(ctx context.Context) error
	// CreateIfAbsent writes data under name unless the object already exists.
	CreateIfAbsent(ctx context.Context, name string, data []byte) error
}

// GCS stores each package as an object named by its CID.
type GCS struct {
	name    string
	bucket  bucket
	timeout time.Duration
	close   func() error
	log     *zap.Logger
}

type GCSConfig struct {
	Bucket string
	// CredentialsJSON falls back to Application Default Credentials when empty.
	CredentialsJSON string
	// MaxAttempts caps the client's retries of one write.
	MaxAttempts int
	// Timeout bounds one Publish, retries included.
	Timeout time.Duration
}

func NewGCS(ctx context.Context, cfg GCSConfig, log *zap.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: new client: %w", err)
	}
	// conditional writes are retried until the context ends unless capped
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	client.SetRetry(storage.WithMaxAttempts(attempts))

	g := newGCS(cfg.Bucket, &gcsBucket{h: client.Bucket(cfg.Bucket)}, log)
	g.timeout = cfg.Timeout
	g.close = client.Close
	return g, nil
}

func newGCS(name string, b bucket, log *zap.Logger) *GCS {
	if log == nil {
		log = zap.NewNop()
	}
	return &GCS{name: name, bucket: b, close: func() error { return nil }, log: log.Named("gcs")}
}

func (g *GCS) Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error) {
	h, err := ComputeHash(pkg.Bytes)
	if err != nil {
		return "", publishErr(pkg.SourceID, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.bucket.CreateIfAbsent(ctx, h.String(), pkg.Bytes); err != nil {
		if !isPreconditionFailed(err) {
			return "", publishErr(pkg.SourceID, fmt.Errorf("gcs: write %s/%s: %w", g.name, h, err))
		}
		g.log.Debug("object already stored", zap.String("source_id", pkg.SourceID), zap.String("cid", h.String()))
	}
	return h, nil
}

func (g *GCS) Authenticate(ctx context.Context) error {
	if err := g.bucket.Attrs(ctx); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			return domain.NewStageError(domain.ErrPermissionDenied, domain.StagePending, "", fmt.Errorf("gcs bucket %q: %w", g.name, err))
		}
		return fmt.Errorf("gcs bucket %q not found or not accessible: %w", g.name, err)
	}
	g.log.Info("content store reachable", zap.String("backend", "gcs"), zap.String("bucket", g.name))
	return nil
}

func (g *GCS) Close() error { return g.close() }

// Content-addressed names make an existing object identical to ours.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

type gcsBucket struct {
	h *storage.BucketHandle
}

func (b *gcsBucket) Attrs(ctx context.Context) error {
	_, err := b.h.Attrs(ctx)
	return err
}

func (b *gcsBucket) CreateIfAbsent(ctx context.Context, name string, data []byte) error {
	wc := b.h.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}
