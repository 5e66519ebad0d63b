package source

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"course-anchor/internal/domain"
)

// CourseCompletion is a row of the course_completions table.
type CourseCompletion struct {
	ID             string         `gorm:"primaryKey;size:64"`
	SubjectID      string         `gorm:"size:64;not null"`
	CourseID       string         `gorm:"size:64;not null;index"`
	CourseName     string         `gorm:"not null"`
	CompletionDate time.Time      `gorm:"not null;index:idx_completion_cursor,priority:1"`
	ProofURL       string         `gorm:"column:proof_url"`
	ProgressStats  datatypes.JSON `gorm:"column:progress_stats"`
}

func (CourseCompletion) TableName() string { return "course_completions" }

// toDomain snapshots the row. Undecodable progress stats make the record
// invalid rather than the store unavailable.
func (c CourseCompletion) toDomain() (domain.SourceRecord, error) {
	rec := domain.SourceRecord{
		ID:             c.ID,
		SubjectID:      c.SubjectID,
		CourseID:       c.CourseID,
		CourseName:     c.CourseName,
		CompletionDate: c.CompletionDate.UTC(),
		ProofURL:       c.ProofURL,
	}
	if len(c.ProgressStats) == 0 || string(c.ProgressStats) == "null" {
		return rec, nil
	}

	var stats map[string]float64
	if err := json.Unmarshal(c.ProgressStats, &stats); err != nil {
		return rec, domain.NewStageError(domain.ErrInvalidRecord, domain.StagePending, c.ID,
			fmt.Errorf("progress_stats: %w", err))
	}
	rec.ProgressStats = stats
	return rec, nil
}
