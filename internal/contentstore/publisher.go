package contentstore

import (
	"context"

	"course-anchor/internal/domain"
)

// Publisher stores package bytes in a content-addressed store.
// Publishing the same bytes twice is harmless and yields the same hash.
type Publisher interface {
	Publish(ctx context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error)
	// Authenticate verifies credentials and reachability before a run.
	Authenticate(ctx context.Context) error
}

// HashOnly computes the content hash without storing anything.
type HashOnly struct{}

func (HashOnly) Publish(_ context.Context, pkg domain.MetadataPackage) (domain.ContentHash, error) {
	h, err := ComputeHash(pkg.Bytes)
	if err != nil {
		return "", publishErr(pkg.SourceID, err)
	}
	return h, nil
}

func (HashOnly) Authenticate(context.Context) error { return nil }

func publishErr(sourceID string, err error) error {
	return domain.NewStageError(domain.ErrPublish, domain.StagePublishing, sourceID, err)
}
