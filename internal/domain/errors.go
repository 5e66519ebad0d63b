package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; StageError unwraps to its kind.
var (
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrInvalidRecord        = errors.New("invalid record")
	ErrPublish              = errors.New("publish failed")
	ErrAnchorRejected       = errors.New("anchor rejected")
	ErrAnchorTimeout        = errors.New("anchor confirmation timeout")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrCheckpointCorruption = errors.New("checkpoint corrupted")

	// ErrDryRun is returned by the dry-run transport in place of a ledger write.
	ErrDryRun = errors.New("dry run: no ledger write")
)

// Stage names a step of the per-record state machine.
type Stage string

const (
	StagePending    Stage = "pending"
	StagePackaging  Stage = "packaging"
	StagePublishing Stage = "publishing"
	StageAnchoring  Stage = "anchoring"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
	StageSkipped    Stage = "skipped"
)

// StageError attaches the taxonomy kind and record context to an error.
type StageError struct {
	Kind     error
	Stage    Stage
	SourceID string
	// TxRef is the submitted transaction, when one exists.
	TxRef string
	Err   error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if e.SourceID != "" {
		msg = fmt.Sprintf("%s (source_id=%s)", msg, e.SourceID)
	}
	if e.TxRef != "" {
		msg = fmt.Sprintf("%s (tx_ref=%s)", msg, e.TxRef)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewStageError wraps err with a taxonomy kind.
func NewStageError(kind error, stage Stage, sourceID string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, SourceID: sourceID, Err: err}
}

// KindOf returns the taxonomy kind of err, or nil when err is not classified.
func KindOf(err error) error {
	for _, k := range []error{
		ErrSourceUnavailable,
		ErrInvalidRecord,
		ErrPublish,
		ErrAnchorRejected,
		ErrAnchorTimeout,
		ErrPermissionDenied,
		ErrCheckpointCorruption,
		ErrDryRun,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is the short machine name of a kind, used in results and metrics.
func KindName(kind error) string {
	switch kind {
	case ErrSourceUnavailable:
		return "SourceUnavailable"
	case ErrInvalidRecord:
		return "InvalidRecord"
	case ErrPublish:
		return "PublishError"
	case ErrAnchorRejected:
		return "AnchorRejected"
	case ErrAnchorTimeout:
		return "AnchorTimeout"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrCheckpointCorruption:
		return "CheckpointCorruption"
	case ErrDryRun:
		return "DryRun"
	default:
		return "Unknown"
	}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrCheckpointCorruption)
}
