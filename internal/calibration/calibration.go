// Package calibration holds the two-point mV→pH calibration for each probe
// and the atomic snapshot store the device drivers read through.
package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Entry is a two-point calibration for one probe: two (pH, mV) pairs taken
// in known buffer solutions.
type Entry struct {
	LowPH    float64 `yaml:"LowPH"`
	LowPHmV  float64 `yaml:"LowPHmV"`
	HighPH   float64 `yaml:"HighPH"`
	HighPHmV float64 `yaml:"HighPHmV"`
}

// Validate checks the entry's invariant: the two mV readings must differ.
func (e Entry) Validate() error {
	if e.LowPHmV == e.HighPHmV {
		return fmt.Errorf("calibration: low and high mV readings are equal (%.2f)", e.LowPHmV)
	}
	return nil
}

// Transform converts a millivolt reading to pH using this entry.
//
// This is re-derived directly from the two calibration points rather than
// the historical formula that divided by (low-high) twice — that version
// produced a slope with the wrong sign (mV decreases as pH rises, so the
// pH/mV slope must be negative for a normal electrode, not positive).
func (e Entry) Transform(mV float64) float64 {
	slope := (e.HighPH - e.LowPH) / (e.HighPHmV - e.LowPHmV)
	return e.LowPH + slope*(mV-e.LowPHmV)
}

// Snapshot is an immutable probe-id → Entry map. Store.Load returns one so
// callers never observe a partially-updated calibration set.
type Snapshot map[string]Entry

// Store holds the current calibration snapshot behind an atomic pointer so
// Update can swap in a new map without readers ever seeing a torn state.
type Store struct {
	snap atomic.Pointer[Snapshot]
}

// NewStore creates an empty calibration store.
func NewStore() *Store {
	s := &Store{}
	empty := make(Snapshot)
	s.snap.Store(&empty)
	return s
}

// Load returns the current snapshot. Safe for concurrent use.
func (s *Store) Load() Snapshot {
	return *s.snap.Load()
}

// Get returns the calibration entry for a probe, if one exists.
func (s *Store) Get(probeID string) (Entry, bool) {
	snap := s.Load()
	e, ok := snap[probeID]
	return e, ok
}

// Update atomically replaces the whole calibration snapshot.
func (s *Store) Update(next Snapshot) {
	cp := make(Snapshot, len(next))
	for k, v := range next {
		cp[k] = v
	}
	s.snap.Store(&cp)
}

// Set atomically replaces a single probe's calibration entry, copy-on-write
// over the current snapshot so concurrent readers never see a half-updated
// map.
func (s *Store) Set(probeID string, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	cur := s.Load()
	next := make(Snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[probeID] = e
	s.Update(next)
	return nil
}

// LoadFile reads calibration_data.yml: a mapping of probe id to Entry.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("calibration: parse %s: %w", path, err)
	}
	for id, e := range snap {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("calibration: probe %s: %w", id, err)
		}
	}
	s := NewStore()
	s.Update(snap)
	return s, nil
}

// SaveFile writes the current snapshot to path atomically: write to a temp
// file in the same directory, then rename over the target. This keeps a
// concurrent reader (a second process sharing calibration_data.yml) from
// ever observing a partially-written file; it does not coordinate two
// writers racing each other — concurrent calibration from two processes is
// not supported.
func (s *Store) SaveFile(path string) error {
	snap := s.Load()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("calibration: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".calibration-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("calibration: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("calibration: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("calibration: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("calibration: rename into place: %w", err)
	}
	return nil
}
