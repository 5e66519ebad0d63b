package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stellar/go/strkey"
	"gopkg.in/yaml.v3"
)

// ErrAddressNotFound means the subject has no ledger address on record.
var ErrAddressNotFound = errors.New("no ledger address for subject")

// AddressResolver maps a subject to the ledger address that receives its
// anchors. There is no default address.
type AddressResolver interface {
	Resolve(ctx context.Context, subjectID string) (string, error)
}

// Directory is a subject → address map loaded from YAML:
//
//	subjects:
//	  learner-1: GABC...
type Directory struct {
	subjects map[string]string
}

type directoryFile struct {
	Subjects map[string]string `yaml:"subjects"`
}

func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("address directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("address directory %s: %w", path, err)
	}
	if f.Subjects == nil {
		f.Subjects = map[string]string{}
	}
	return &Directory{subjects: f.Subjects}, nil
}

func NewDirectory(subjects map[string]string) *Directory {
	m := make(map[string]string, len(subjects))
	for k, v := range subjects {
		m[k] = v
	}
	return &Directory{subjects: m}
}

func (d *Directory) Resolve(_ context.Context, subjectID string) (string, error) {
	addr, ok := d.subjects[subjectID]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrAddressNotFound, subjectID)
	}
	return addr, nil
}

func (d *Directory) Len() int { return len(d.subjects) }

// ValidAddress reports whether addr is a well-formed G... account address.
func ValidAddress(addr string) bool {
	return strkey.IsValidEd25519PublicKey(addr)
}
