package migrate

import (
	"context"

	"course-anchor/internal/contentstore"
	"course-anchor/internal/domain"
	"course-anchor/internal/ledger"
)

// Transport is everything the pipeline writes to the outside world. The live
// or dry-run variant is picked once at startup.
type Transport interface {
	Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error)
	Anchor(ctx context.Context, s *ledger.Signer, rec domain.SourceRecord, hash domain.ContentHash) (domain.AnchorReceipt, error)
}

// Anchorer is implemented by ledger.Writer.
type Anchorer interface {
	Anchor(ctx context.Context, s *ledger.Signer, rec domain.SourceRecord, hash domain.ContentHash) (domain.AnchorReceipt, error)
}

type liveTransport struct {
	publisher contentstore.Publisher
	anchorer  Anchorer
}

// NewLive publishes to the content store and anchors on the ledger.
func NewLive(p contentstore.Publisher, a Anchorer) Transport {
	return &liveTransport{publisher: p, anchorer: a}
}

func (t *liveTransport) Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error) {
	return t.publisher.Publish(ctx, pkg)
}

func (t *liveTransport) Anchor(ctx context.Context, s *ledger.Signer, rec domain.SourceRecord, hash domain.ContentHash) (domain.AnchorReceipt, error) {
	return t.anchorer.Anchor(ctx, s, rec, hash)
}

type dryRunTransport struct {
	hasher contentstore.HashOnly
}

// NewDryRun computes content hashes locally and never touches the network.
func NewDryRun() Transport {
	return dryRunTransport{}
}

func (t dryRunTransport) Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error) {
	return t.hasher.Publish(ctx, pkg)
}

func (dryRunTransport) Anchor(_ context.Context, _ *ledger.Signer, rec domain.SourceRecord, _ domain.ContentHash) (domain.AnchorReceipt, error) {
	return domain.AnchorReceipt{}, domain.NewStageError(domain.ErrDryRun, domain.StageAnchoring, rec.ID, nil)
}
