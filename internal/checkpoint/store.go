package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"course-anchor/internal/domain"
)

// Appender persists the results of one finished batch.
type Appender interface {
	Append(ctx context.Context, runID string, batch int, results []domain.MigrationResult) error
}

// entry is one line of the checkpoint file.
type entry struct {
	RunID     string          `json:"runId"`
	Batch     int             `json:"batch"`
	WrittenAt time.Time       `json:"writtenAt"`
	Results   json.RawMessage `json:"results"`
	// Checksum is the hex sha256 of Results exactly as written.
	Checksum string `json:"checksum"`
}

// State is everything recorded by earlier runs, in append order.
type State struct {
	Results []domain.MigrationResult
	Batches int
}

// SucceededIDs returns the source ids that already have a success result.
func (s State) SucceededIDs() map[string]bool {
	done := make(map[string]bool)
	for _, r := range s.Results {
		if r.Succeeded() {
			done[r.SourceID] = true
		}
	}
	return done
}

// FileStore is an append-only JSON-lines checkpoint. Lines are never
// rewritten; a damaged file is reported, not repaired.
type FileStore struct {
	path string
	mu   sync.Mutex
	log  *zap.Logger
}

func NewFileStore(path string, log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{path: path, log: log.Named("checkpoint")}
}

func (s *FileStore) Path() string { return s.path }

// Append writes one line and fsyncs before returning.
func (s *FileStore) Append(_ context.Context, runID string, batch int, results []domain.MigrationResult) error {
	if results == nil {
		results = []domain.MigrationResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("checkpoint: encode batch %d: %w", batch, err)
	}
	sum := sha256.Sum256(raw)
	line, err := json.Marshal(entry{
		RunID:     runID,
		Batch:     batch,
		WrittenAt: time.Now().UTC(),
		Results:   raw,
		Checksum:  hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: encode batch %d: %w", batch, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", s.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write batch %d: %w", batch, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}

	s.log.Debug("batch checkpointed", zap.String("run_id", runID), zap.Int("batch", batch), zap.Int("results", len(results)))
	return nil
}

// Load reads every recorded result. A missing file is an empty state.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: open %s: %w", s.path, err)
	}
	defer f.Close()

	var st State
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return State{}, fmt.Errorf("checkpoint: read %s: %w", s.path, readErr)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			results, err := decodeLine(trimmed)
			if err != nil {
				return State{}, domain.NewStageError(domain.ErrCheckpointCorruption, domain.StagePending, "",
					fmt.Errorf("%s line %d: %w", s.path, lineNo, err))
			}
			st.Results = append(st.Results, results...)
			st.Batches++
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}
	return st, nil
}

func decodeLine(line []byte) ([]domain.MigrationResult, error) {
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("unparsable entry: %w", err)
	}
	if len(e.Results) == 0 {
		return nil, errors.New("entry has no results")
	}
	sum := sha256.Sum256(e.Results)
	if hex.EncodeToString(sum[:]) != e.Checksum {
		return nil, fmt.Errorf("checksum mismatch for run %s batch %d", e.RunID, e.Batch)
	}
	var results []domain.MigrationResult
	if err := json.Unmarshal(e.Results, &results); err != nil {
		return nil, fmt.Errorf("unparsable results: %w", err)
	}
	return results, nil
}

// Discard drops every batch. Dry runs use it so they leave no trace.
type Discard struct{}

func (Discard) Append(context.Context, string, int, []domain.MigrationResult) error { return nil }
