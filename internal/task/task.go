// Package task holds the phase/task chain model the scheduler runs: each
// vessel is one task, each task is a sequence of phases owned in place
// as a cursor over a slice, so a chain has no cyclic or shared ownership.
package task

import (
	"time"

	"github.com/vesselctl/phctl/internal/dosing"
	"github.com/vesselctl/phctl/internal/wire"
)

// Phase is one linear pH-ramp segment.
type Phase struct {
	Duration     time.Duration
	PHStart      float64
	PHEnd        float64
	DoseVolumeUL float64
	MinimumDelay time.Duration
}

// ExpectedPH linearly interpolates the phase's target pH at elapsed time t
// since the phase started, clamped to [0, Duration].
func (p Phase) ExpectedPH(elapsed time.Duration) float64 {
	if p.Duration <= 0 {
		return p.PHEnd
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > p.Duration {
		elapsed = p.Duration
	}
	frac := float64(elapsed) / float64(p.Duration)
	return p.PHStart + frac*(p.PHEnd-p.PHStart)
}

// Task is one vessel's phase chain: a pump, the probe reading it, the
// phases in order, a cursor into that sequence, and the controller state
// carried across ticks.
type Task struct {
	PumpID  wire.PumpID
	ProbeID wire.ProbeID

	Phases      []Phase
	PhaseIndex  int
	StartTime   time.Time // when Phases[0] began
	PhaseStart  time.Time // when Phases[PhaseIndex] began

	NextTickTime time.Time
	Controller   dosing.Controller

	// Notes is free-text carried from the protocol's optional trailing
	// column, surfaced in operator-facing logging only.
	Notes string
}

// CurrentPhase returns the phase the task is currently in.
func (t *Task) CurrentPhase() Phase {
	return t.Phases[t.PhaseIndex]
}

// Done reports whether every phase has elapsed.
func (t *Task) Done() bool {
	return t.PhaseIndex >= len(t.Phases)
}

// ExpectedPHNow returns the current phase's target pH at "now".
func (t *Task) ExpectedPHNow(now time.Time) float64 {
	phase := t.CurrentPhase()
	return phase.ExpectedPH(now.Sub(t.PhaseStart))
}

// EndTime returns the wall-clock time the whole chain completes: the start
// of phase 0 plus the sum of every phase's duration.
func (t *Task) EndTime() time.Time {
	end := t.StartTime
	for _, p := range t.Phases {
		end = end.Add(p.Duration)
	}
	return end
}

// OrderingKey returns the (time, pump) tuple the scheduler's heap orders
// on: next_tick_time primary, pump_id as a deterministic tie-break.
func (t *Task) OrderingKey() (time.Time, wire.PumpID) {
	return t.NextTickTime, t.PumpID
}

// Advance moves the cursor into the next phase, updating PhaseStart to now
// and returning false if the chain has run out of phases.
func (t *Task) Advance(now time.Time) bool {
	t.PhaseIndex++
	if t.Done() {
		return false
	}
	t.PhaseStart = now
	return true
}

// InPhase reports whether now still falls within the current phase's
// duration, measured from PhaseStart.
func (t *Task) InPhase(now time.Time) bool {
	return now.Sub(t.PhaseStart) < t.CurrentPhase().Duration
}

// Clock is the time source every suspension point in the scheduler goes
// through, so tests can drive a virtual clock instead of wall time.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// WaitUntilReady cooperatively suspends the caller until NextTickTime.
func (t *Task) WaitUntilReady(c Clock) {
	now := c.Now()
	if t.NextTickTime.After(now) {
		c.Sleep(t.NextTickTime.Sub(now))
	}
}
