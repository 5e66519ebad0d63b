package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"course-anchor/internal/domain"
	"course-anchor/internal/sftpclient"
)

// Writer persists reports under Dir.
type Writer struct {
	Dir string
	Log *zap.Logger
}

// Paths of the files written for one report.
type Paths struct {
	JSON string
	CSV  string
}

// FileBase is migration-report-<UTC timestamp>-<runId>.
func FileBase(rep MigrationReport) string {
	return fmt.Sprintf("migration-report-%s-%s", rep.FinishedAt.UTC().Format("20060102T150405Z"), rep.RunID)
}

// Write stores the JSON report and its per-record CSV.
func (w Writer) Write(rep MigrationReport) (Paths, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("report: mkdir %s: %w", w.Dir, err)
	}
	base := filepath.Join(w.Dir, FileBase(rep))
	paths := Paths{JSON: base + ".json", CSV: base + ".csv"}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return Paths{}, fmt.Errorf("report: encode: %w", err)
	}
	if err := os.WriteFile(paths.JSON, append(data, '\n'), 0o644); err != nil {
		return Paths{}, fmt.Errorf("report: write %s: %w", paths.JSON, err)
	}

	// el JSON es el reporte; el CSV es solo una vista
	if err := writeCSVFile(paths.CSV, rep.Results); err != nil {
		w.logger().Warn("report csv not written", zap.String("path", paths.CSV), zap.Error(err))
		paths.CSV = ""
	}
	return paths, nil
}

func (w Writer) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

func writeCSVFile(path string, results []domain.MigrationResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	if err := WriteResultsCSV(f, results); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("report: close %s: %w", path, err)
	}
	return nil
}

// Compress brotli-compresses data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	bw := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := bw.Write(data); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// uploadFunc matches sftpclient.Upload.
type uploadFunc func(ctx context.Context, cfg sftpclient.Config, src *bytes.Reader, name string) error

// Archive uploads the brotli-compressed JSON report over SFTP as <name>.json.br.
func Archive(ctx context.Context, cfg sftpclient.Config, jsonPath string) (string, error) {
	return archive(ctx, cfg, jsonPath, func(ctx context.Context, cfg sftpclient.Config, src *bytes.Reader, name string) error {
		return sftpclient.Upload(ctx, cfg, src, name)
	})
}

func archive(ctx context.Context, cfg sftpclient.Config, jsonPath string, upload uploadFunc) (string, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return "", fmt.Errorf("report: read %s: %w", jsonPath, err)
	}
	compressed, err := Compress(data)
	if err != nil {
		return "", fmt.Errorf("report: brotli: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(jsonPath), ".json") + ".json.br"
	if err := upload(ctx, cfg, bytes.NewReader(compressed), name); err != nil {
		return "", err
	}
	return name, nil
}
