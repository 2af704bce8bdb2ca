package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sink is the appendable output stream for one job. Exactly one of
// Finalize or Discard must be called per job, on every exit path.
type Sink interface {
	// AppendChunk writes one chunk's records in order.
	AppendChunk(ctx context.Context, records []Record) error
	// Finalize flushes and closes the stream, returning the result
	// location recorded on the completed job.
	Finalize(ctx context.Context) (string, error)
	// Discard closes and removes partial output. Safe after Finalize.
	Discard() error
}

// SinkFactory opens a sink scoped to one job.
type SinkFactory interface {
	Open(ctx context.Context, jobID, format string) (Sink, error)
}

// LocalSinkFactory writes exports to a directory on local disk. Output is
// staged under a .partial suffix and renamed on finalize so observers
// never see half-written files.
type LocalSinkFactory struct {
	BaseDir string
}

func (f LocalSinkFactory) Open(_ context.Context, jobID, format string) (Sink, error) {
	dir := f.BaseDir
	if dir == "" {
		dir = "./output"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	final := filepath.Join(dir, fileName(jobID, format))
	file, err := os.Create(final + ".partial")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &fileSink{file: file, finalPath: final, format: normalizeFormat(format)}, nil
}

func fileName(jobID, format string) string {
	ext := "json"
	if normalizeFormat(format) == FormatCSV {
		ext = "csv"
	}
	return fmt.Sprintf("%s.%s", jobID, ext)
}

func normalizeFormat(format string) string {
	if strings.EqualFold(format, FormatCSV) {
		return FormatCSV
	}
	return FormatJSON
}

// fileSink streams records to a local file, JSON lines or CSV.
type fileSink struct {
	file      *os.File
	finalPath string
	format    string
	csvw      *csv.Writer
	columns   []string
	finalized bool
}

func (s *fileSink) AppendChunk(_ context.Context, records []Record) error {
	if s.format == FormatCSV {
		return s.appendCSV(records)
	}
	enc := json.NewEncoder(s.file)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

func (s *fileSink) appendCSV(records []Record) error {
	if s.csvw == nil {
		s.csvw = csv.NewWriter(s.file)
	}
	for _, rec := range records {
		// Column order is fixed by the first record seen.
		if s.columns == nil {
			for k := range rec {
				s.columns = append(s.columns, k)
			}
			sort.Strings(s.columns)
			if err := s.csvw.Write(s.columns); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
		}
		row := make([]string, len(s.columns))
		for i, col := range s.columns {
			if v, ok := rec[col]; ok && v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		if err := s.csvw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	s.csvw.Flush()
	return s.csvw.Error()
}

func (s *fileSink) Finalize(_ context.Context) (string, error) {
	if s.csvw != nil {
		s.csvw.Flush()
		if err := s.csvw.Error(); err != nil {
			return "", fmt.Errorf("flush csv: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(s.file.Name(), s.finalPath); err != nil {
		return "", fmt.Errorf("finalize output file: %w", err)
	}
	s.finalized = true
	return s.finalPath, nil
}

func (s *fileSink) Discard() error {
	if s.finalized {
		return nil
	}
	_ = s.file.Close()
	return os.Remove(s.file.Name())
}
