// Package archive implements the transparency/evidence archive (spec
// §2, SPEC_FULL supplement): append-only JSONL artifacts mirroring
// published facts, clusters, and evidence, partitioned one file per day
// so Reader.ForDay can replay a day's artifacts without scanning the
// whole archive.
package archive

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/justnews/fabric/pkg/apierr"
)

// Record is one archived artifact.
type Record struct {
	Kind      string         `json:"kind"` // "fact" | "cluster" | "evidence"
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Writer appends records to the day-partitioned archive under dir.
type Writer struct {
	mu  sync.Mutex
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) pathForDay(day time.Time) string {
	return filepath.Join(w.dir, day.UTC().Format("2006-01-02")+".jsonl")
}

// Append writes one record, creating the day's file and any parent
// directories as needed. Writes are serialized and fsync'd so a crash
// never truncates a partially-written line into the next reader's scan.
func (w *Writer) Append(record Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return apierr.Wrap("archive.append", apierr.KindTransientInfra, err, "failed to create archive directory")
	}

	f, err := os.OpenFile(w.pathForDay(record.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apierr.Wrap("archive.append", apierr.KindTransientInfra, err, "failed to open archive file")
	}
	defer f.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return apierr.Wrap("archive.append", apierr.KindValidation, err, "failed to encode record")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apierr.Wrap("archive.append", apierr.KindTransientInfra, err, "failed to write record")
	}
	return f.Sync()
}

// Reader replays archived records.
type Reader struct {
	dir string
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// ForDay returns every record archived on day, in append order. A day
// with no archive file returns an empty slice, not an error.
func (r *Reader) ForDay(day time.Time) ([]Record, error) {
	path := filepath.Join(r.dir, day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap("archive.for_day", apierr.KindTransientInfra, err, "failed to open archive file")
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, apierr.Wrap("archive.for_day", apierr.KindFatalInvariant, err, "corrupt archive line")
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Wrap("archive.for_day", apierr.KindTransientInfra, err, "failed reading archive file")
	}
	return records, nil
}
