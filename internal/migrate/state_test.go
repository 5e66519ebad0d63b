package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-anchor/internal/domain"
)

func TestRecordStateHappyPath(t *testing.T) {
	st := newRecordState("r1")
	for _, next := range []domain.Stage{
		domain.StagePackaging,
		domain.StagePublishing,
		domain.StageAnchoring,
		domain.StageSucceeded,
	} {
		require.NoError(t, st.advance(next))
	}
	assert.True(t, st.terminal())
	assert.Equal(t, domain.StatusSuccess, statusOf(st.stage))
}

func TestRecordStateRejectsIllegalTransitions(t *testing.T) {
	testCases := []struct {
		name string
		path []domain.Stage
		bad  domain.Stage
	}{
		{"skip packaging", nil, domain.StagePublishing},
		{"anchor before publish", []domain.Stage{domain.StagePackaging}, domain.StageAnchoring},
		{"publish cannot skip", []domain.Stage{domain.StagePackaging, domain.StagePublishing}, domain.StageSkipped},
		{"terminal is final", []domain.Stage{domain.StagePackaging, domain.StageFailed}, domain.StagePublishing},
		{"succeeded is final", []domain.Stage{domain.StagePackaging, domain.StagePublishing, domain.StageAnchoring, domain.StageSucceeded}, domain.StageFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st := newRecordState("r1")
			for _, s := range tc.path {
				require.NoError(t, st.advance(s))
			}
			before := st.stage
			err := st.advance(tc.bad)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "illegal transition")
			assert.Equal(t, before, st.stage)
		})
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, domain.StatusSkipped, statusOf(domain.StageSkipped))
	assert.Equal(t, domain.StatusFailed, statusOf(domain.StageFailed))
	assert.Equal(t, domain.StatusFailed, statusOf(domain.StagePending))
}
