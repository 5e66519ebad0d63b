package domain

import "time"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Statuses lists every terminal status in report order.
var Statuses = []Status{StatusSuccess, StatusFailed, StatusSkipped}

// MigrationResult is the outcome of one attempted SourceRecord.
type MigrationResult struct {
	SourceID       string         `json:"sourceId"`
	CompletionDate time.Time      `json:"completionDate"`
	Status         Status         `json:"status"`
	Receipt        *AnchorReceipt `json:"anchorReceipt,omitempty"`
	ContentHash    ContentHash    `json:"contentHash,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"errorKind,omitempty"`
	Retries        int            `json:"retries"`
	DryRun         bool           `json:"dryRun,omitempty"`
	// PendingTxRef is set when a submitted transaction never reached a
	// confirmed or rejected state before retries ran out.
	PendingTxRef string `json:"pendingTxRef,omitempty"`
}

// Succeeded reports whether the record was anchored.
func (r MigrationResult) Succeeded() bool {
	return r.Status == StatusSuccess
}
