package migrate

import (
	"fmt"
	"slices"

	"course-anchor/internal/domain"
)

var transitions = map[domain.Stage][]domain.Stage{
	domain.StagePending:    {domain.StagePackaging, domain.StageSkipped},
	domain.StagePackaging:  {domain.StagePublishing, domain.StageSkipped, domain.StageFailed},
	domain.StagePublishing: {domain.StageAnchoring, domain.StageFailed},
	domain.StageAnchoring:  {domain.StageSucceeded, domain.StageFailed, domain.StageSkipped},
}

// recordState walks one record through the pipeline stages. Terminal stages
// have no outgoing transitions.
type recordState struct {
	id    string
	stage domain.Stage
}

func newRecordState(id string) *recordState {
	return &recordState{id: id, stage: domain.StagePending}
}

func (s *recordState) advance(next domain.Stage) error {
	if !slices.Contains(transitions[s.stage], next) {
		return fmt.Errorf("record %s: illegal transition %s -> %s", s.id, s.stage, next)
	}
	s.stage = next
	return nil
}

func (s *recordState) terminal() bool {
	return len(transitions[s.stage]) == 0
}

func statusOf(stage domain.Stage) domain.Status {
	switch stage {
	case domain.StageSucceeded:
		return domain.StatusSuccess
	case domain.StageSkipped:
		return domain.StatusSkipped
	default:
		return domain.StatusFailed
	}
}
