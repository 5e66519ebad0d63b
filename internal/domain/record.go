package domain

import "time"

// SourceRecord is an immutable snapshot of a course completion read from the
// source store. The pipeline never writes back to the source.
type SourceRecord struct {
	ID             string             `json:"id" validate:"required"`
	SubjectID      string             `json:"subjectId" validate:"required"`
	CourseID       string             `json:"courseId" validate:"required"`
	CourseName     string             `json:"courseName" validate:"required"`
	CompletionDate time.Time          `json:"completionDate" validate:"required"`
	ProofURL       string             `json:"proofUrl,omitempty" validate:"omitempty,url"`
	ProgressStats  map[string]float64 `json:"progressStats,omitempty"`
}

// Attribute is a single trait of the certificate metadata.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// MetadataPackage is the canonical metadata document published for a record.
// Bytes holds its canonical encoding; two packages built from identical
// records have identical Bytes.
type MetadataPackage struct {
	SourceID    string      `json:"-"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ExternalURL string      `json:"external_url,omitempty"`
	Attributes  []Attribute `json:"attributes"`

	Bytes []byte `json:"-"`
}

// ContentHash is the content address of a published package. It is a pure
// function of the package bytes.
type ContentHash string

func (h ContentHash) String() string { return string(h) }

// AnchorReceipt is created once per anchored record and never modified.
type AnchorReceipt struct {
	LedgerRecordID string      `json:"ledgerRecordId"`
	TransactionRef string      `json:"transactionRef"`
	ContentHash    ContentHash `json:"contentHash"`
	// CostMetric is the fee charged for the anchor, in stroops.
	CostMetric int64 `json:"costMetric"`
	Confirmed  bool  `json:"confirmed"`
}
