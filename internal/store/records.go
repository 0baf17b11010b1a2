package store

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vesselctl/phctl/internal/wire"
)

// Record is one scheduler tick's outcome for a single task.
type Record struct {
	PumpTask       wire.PumpID
	TimePoint      time.Time
	ExpectedPH     float64
	ActualPH       float64 // NaN when the measurement failed
	DidPump        bool
	PumpMultiplier float64
}

var recordsHeader = []string{"PumpTask", "TimePoint", "ExpectedPH", "ActualPH", "DidPump", "PumpMultiplier"}

// Records is the in-memory results spreadsheet: append-only during a run,
// rewritten in full to disk on each step when live recording is enabled.
type Records struct {
	mu   sync.Mutex
	rows []Record
}

// NewRecords returns an empty results spreadsheet.
func NewRecords() *Records {
	return &Records{}
}

// Append adds a record to the end of the spreadsheet.
func (r *Records) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rec)
}

// All returns a copy of every record appended so far.
func (r *Records) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.rows))
	copy(out, r.rows)
	return out
}

// SaveFile rewrites the whole results spreadsheet to path atomically
// (write-temp, rename).
func (r *Records) SaveFile(path string) error {
	r.mu.Lock()
	rows := make([]Record, len(r.rows))
	copy(rows, r.rows)
	r.mu.Unlock()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".records-*.csv.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp results file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(recordsHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write results header: %w", err)
	}
	for _, rec := range rows {
		if err := w.Write(encodeRecord(rec)); err != nil {
			tmp.Close()
			return fmt.Errorf("store: write result row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: flush results file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp results file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename results file into place: %w", err)
	}
	return nil
}

func encodeRecord(rec Record) []string {
	return []string{
		strconv.Itoa(int(rec.PumpTask)),
		rec.TimePoint.Format(time.RFC3339Nano),
		strconv.FormatFloat(rec.ExpectedPH, 'f', -1, 64),
		strconv.FormatFloat(rec.ActualPH, 'f', -1, 64),
		strconv.FormatBool(rec.DidPump),
		strconv.FormatFloat(rec.PumpMultiplier, 'f', -1, 64),
	}
}

func decodeRecord(fields []string) (Record, error) {
	if len(fields) != len(recordsHeader) {
		return Record{}, fmt.Errorf("store: record row has %d fields, want %d", len(fields), len(recordsHeader))
	}
	pumpN, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("PumpTask: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("TimePoint: %w", err)
	}
	expected, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("ExpectedPH: %w", err)
	}
	actual, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Record{}, fmt.Errorf("ActualPH: %w", err)
	}
	didPump, err := strconv.ParseBool(fields[4])
	if err != nil {
		return Record{}, fmt.Errorf("DidPump: %w", err)
	}
	multiplier, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Record{}, fmt.Errorf("PumpMultiplier: %w", err)
	}
	return Record{
		PumpTask:       wire.PumpID(pumpN),
		TimePoint:      ts,
		ExpectedPH:     expected,
		ActualPH:       actual,
		DidPump:        didPump,
		PumpMultiplier: multiplier,
	}, nil
}

// LoadRecordsFile reads a results spreadsheet back into a slice of Record.
func LoadRecordsFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open results file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("store: read results file: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]Record, 0, len(rows)-1)
	for _, fields := range rows[1:] { // skip header
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RestartReader rebuilds the last record observed for each task (keyed by
// pump id) from a prior results file, which is what a restarted run needs
// to compute each task's next tick time.
func RestartReader(path string) (map[wire.PumpID]Record, error) {
	records, err := LoadRecordsFile(path)
	if err != nil {
		return nil, err
	}
	last := make(map[wire.PumpID]Record)
	for _, rec := range records {
		if prev, ok := last[rec.PumpTask]; !ok || rec.TimePoint.After(prev.TimePoint) {
			last[rec.PumpTask] = rec
		}
	}
	return last, nil
}

// NaN is the sentinel ActualPH value recorded when a measurement failed.
var NaN = math.NaN()
