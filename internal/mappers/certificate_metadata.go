package mappers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"course-anchor/internal/domain"

	"github.com/go-playground/validator/v10"
)

const completionDateLayout = "2006-01-02T15:04:05Z"

// Packager turns source records into canonical certificate metadata.
// It performs no I/O and is safe for concurrent use.
type Packager struct {
	validate *validator.Validate
}

func NewPackager() *Packager {
	return &Packager{validate: validator.New(validator.WithRequiredStructEnabled())}
}

var defaultPackager = NewPackager()

// BuildPackage maps a record with the shared Packager.
func BuildPackage(rec domain.SourceRecord) (domain.MetadataPackage, error) {
	return defaultPackager.BuildPackage(rec)
}

// BuildPackage validates rec and returns its metadata package. The encoding
// is canonical: fixed attribute order, progress stats sorted by key, UTC
// timestamps, no HTML escaping.
func (p *Packager) BuildPackage(rec domain.SourceRecord) (domain.MetadataPackage, error) {
	if err := p.check(rec); err != nil {
		return domain.MetadataPackage{}, domain.NewStageError(domain.ErrInvalidRecord, domain.StagePackaging, rec.ID, err)
	}

	completed := rec.CompletionDate.UTC().Truncate(time.Second)

	pkg := domain.MetadataPackage{
		SourceID: rec.ID,
		Name:     fmt.Sprintf("%s Completion Certificate", strings.TrimSpace(rec.CourseName)),
		Description: fmt.Sprintf(
			"Certificate of completion for %q awarded to subject %s on %s.",
			strings.TrimSpace(rec.CourseName), rec.SubjectID, completed.Format("2006-01-02"),
		),
		ExternalURL: strings.TrimSpace(rec.ProofURL),
		Attributes: []domain.Attribute{
			{TraitType: "Course ID", Value: rec.CourseID},
			{TraitType: "Course Name", Value: strings.TrimSpace(rec.CourseName)},
			{TraitType: "Subject ID", Value: rec.SubjectID},
			{TraitType: "Completion Date", Value: completed.Format(completionDateLayout)},
			{TraitType: "Source Record", Value: rec.ID},
		},
	}
	pkg.Attributes = append(pkg.Attributes, progressAttributes(rec.ProgressStats)...)

	b, err := canonicalJSON(pkg)
	if err != nil {
		return domain.MetadataPackage{}, domain.NewStageError(domain.ErrInvalidRecord, domain.StagePackaging, rec.ID, err)
	}
	pkg.Bytes = b
	return pkg, nil
}

func (p *Packager) check(rec domain.SourceRecord) error {
	if err := p.validate.Struct(rec); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if rec.CompletionDate.IsZero() {
		return fmt.Errorf("invalid fields: CompletionDate(required)")
	}
	if strings.TrimSpace(rec.CourseName) == "" {
		return fmt.Errorf("invalid fields: CourseName(required)")
	}
	return nil
}

func progressAttributes(stats map[string]float64) []domain.Attribute {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Attribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.Attribute{TraitType: "Progress: " + k, Value: stats[k]})
	}
	return out
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
