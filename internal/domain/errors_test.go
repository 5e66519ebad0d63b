package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStageError(ErrPublish, StagePublishing, "rec-1", cause)

	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAnchorRejected)
	assert.Equal(t, "publishing: publish failed (source_id=rec-1): connection refused", err.Error())
}

func TestStageErrorIncludesTxRef(t *testing.T) {
	err := &StageError{Kind: ErrAnchorTimeout, Stage: StageAnchoring, SourceID: "rec-9", TxRef: "tx-abc"}
	assert.Equal(t, "anchoring: anchor confirmation timeout (source_id=rec-9) (tx_ref=tx-abc)", err.Error())
}

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"stage error", NewStageError(ErrAnchorRejected, StageAnchoring, "x", nil), ErrAnchorRejected},
		{"wrapped sentinel", fmt.Errorf("load: %w", ErrCheckpointCorruption), ErrCheckpointCorruption},
		{"dry run", ErrDryRun, ErrDryRun},
		{"unclassified", errors.New("boom"), nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "AnchorTimeout", KindName(ErrAnchorTimeout))
	assert.Equal(t, "InvalidRecord", KindName(ErrInvalidRecord))
	assert.Equal(t, "Unknown", KindName(errors.New("other")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("page 3: %w", ErrSourceUnavailable)))
	assert.True(t, IsFatal(ErrPermissionDenied))
	assert.True(t, IsFatal(ErrCheckpointCorruption))
	assert.False(t, IsFatal(NewStageError(ErrAnchorTimeout, StageAnchoring, "x", nil)))
	assert.False(t, IsFatal(ErrInvalidRecord))
}

func TestMigrationResultSucceeded(t *testing.T) {
	assert.True(t, MigrationResult{Status: StatusSuccess}.Succeeded())
	assert.False(t, MigrationResult{Status: StatusSkipped}.Succeeded())
}
