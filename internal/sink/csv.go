package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
)

// csvFile wraps an opened CSV file with its writer and the set of envelope
// ids already written to it, so CSVSink.Process stays idempotent across
// batch replays (spec §4.7: "process MUST be effectively idempotent given
// the (TypeId, envelope.id) key").
type csvFile struct {
	file    *os.File
	writer  *csv.Writer
	written map[string]bool
}

// CSVSink persists decoded envelopes into per-TypeId CSV archival files,
// one row per envelope: id, type URL and the body's MarshalBinary payload. It exists as a reference durable sink alongside memsink.Sink; a
// production deployment would likely target a real database instead.
type CSVSink struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*csvFile // keyed by TypeId URL
	interested []envelope.TypeId
}

// NewCSVSink initialises a sink that writes CSV files under outputDir,
// creating the directory tree if it doesn't already exist. interested
// restricts which TypeIds this sink persists; pass nil to accept none.
func NewCSVSink(outputDir string, interested []envelope.TypeId) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("csv sink: create output directory: %w", err)
	}
	return &CSVSink{
		outputDir:  outputDir,
		files:      make(map[string]*csvFile),
		interested: interested,
	}, nil
}

func (s *CSVSink) Name() string                      { return "csv" }
func (s *CSVSink) InterestedTypes() []envelope.TypeId { return s.interested }

func (s *CSVSink) Topics() []eventbus.TopicInfo {
	// CSV archival is not published live; it contributes no bus topics.
	return nil
}

func (s *CSVSink) Initialize(context.Context, Context) error { return nil }

// Process appends each envelope as a CSV row to its TypeId's file, skipping
// rows already written (restart/replay idempotency).
func (s *CSVSink) Process(_ context.Context, envelopes []envelope.Envelope, _ extractor.ExtractionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range envelopes {
		key := e.TypeId().String()
		cf, ok := s.files[key]
		if !ok {
			var err error
			cf, err = s.openFile(key)
			if err != nil {
				return err
			}
			s.files[key] = cf
		}

		if cf.written[e.ID()] {
			continue
		}

		wire, err := envelope.ToWire(e)
		if err != nil {
			return fmt.Errorf("csv sink: encode envelope %s: %w", e.ID(), err)
		}
		row := []string{wire.ID, wire.TypeURL, string(wire.Payload)}
		if err := cf.writer.Write(row); err != nil {
			return fmt.Errorf("csv sink: write row: %w", err)
		}
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil {
			return fmt.Errorf("csv sink: flush: %w", err)
		}
		cf.written[e.ID()] = true
	}
	return nil
}

func (s *CSVSink) openFile(typeURL string) (*csvFile, error) {
	fp := filepath.Join(s.outputDir, sanitizeFileName(typeURL)+".csv")

	_, statErr := os.Stat(fp)
	exists := !os.IsNotExist(statErr)

	f, err := os.OpenFile(fp, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv sink: open %s: %w", fp, err)
	}

	w := csv.NewWriter(f)
	written := make(map[string]bool)

	if !exists {
		if err := w.Write([]string{"id", "type_url", "payload_json"}); err != nil {
			f.Close()
			return nil, fmt.Errorf("csv sink: write header for %s: %w", fp, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("csv sink: flush header for %s: %w", fp, err)
		}
	} else {
		// Re-opened across a restart: read back previously written ids so
		// Process stays idempotent for envelopes already on disk.
		ids, err := readWrittenIds(fp)
		if err != nil {
			f.Close()
			return nil, err
		}
		written = ids
	}

	return &csvFile{file: f, writer: w, written: written}, nil
}

func readWrittenIds(fp string) (map[string]bool, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, fmt.Errorf("csv sink: reopen %s for id recovery: %w", fp, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv sink: read %s for id recovery: %w", fp, err)
	}
	seen := make(map[string]bool, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue // header
		}
		seen[row[0]] = true
	}
	return seen, nil
}

func sanitizeFileName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
