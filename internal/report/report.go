package report

import (
	"time"

	"github.com/shopspring/decimal"

	"course-anchor/internal/domain"
)

// stroopExp converts stroops to lumens: 1 XLM = 10^7 stroops.
const stroopExp = -7

// RunConfig is the configuration a run was started with, echoed in the report.
type RunConfig struct {
	RunID            string     `json:"runId"`
	Network          string     `json:"network"`
	DryRun           bool       `json:"dryRun"`
	BatchSize        int        `json:"batchSize"`
	FromDate         *time.Time `json:"fromDate,omitempty"`
	CourseIDs        []string   `json:"courseIds,omitempty"`
	MaxRetries       int        `json:"maxRetries"`
	InterRecordDelay string     `json:"interRecordDelay"`
	Workers          int        `json:"workers"`
	ContentStore     string     `json:"contentStore"`
	StartedAt        time.Time  `json:"-"`
}

// MigrationReport summarizes one run.
type MigrationReport struct {
	RunID      string                `json:"runId"`
	Config     RunConfig             `json:"config"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	Totals     map[domain.Status]int `json:"totals"`

	// AlreadyAnchored counts records skipped because an earlier run anchored them.
	AlreadyAnchored int `json:"alreadyAnchored"`

	CostStroops int64                    `json:"costStroops"`
	CostTotal   decimal.Decimal          `json:"costTotalXlm"`
	Results     []domain.MigrationResult `json:"results"`
	FatalError  string                   `json:"fatalError,omitempty"`
}

// Finalize aggregates results. It has no side effects.
func Finalize(results []domain.MigrationResult, cfg RunConfig) MigrationReport {
	totals := make(map[domain.Status]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		totals[s] = 0
	}

	var stroops int64
	for _, r := range results {
		totals[r.Status]++
		if r.Receipt != nil && r.Receipt.Confirmed {
			stroops += r.Receipt.CostMetric
		}
	}
	if results == nil {
		results = []domain.MigrationResult{}
	}

	return MigrationReport{
		RunID:       cfg.RunID,
		Config:      cfg,
		StartedAt:   cfg.StartedAt,
		FinishedAt:  time.Now().UTC(),
		Totals:      totals,
		CostStroops: stroops,
		CostTotal:   decimal.New(stroops, stroopExp),
		Results:     results,
	}
}

// HasFailures reports whether any record ended failed.
func (r MigrationReport) HasFailures() bool {
	return r.Totals[domain.StatusFailed] > 0
}
