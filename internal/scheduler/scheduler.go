// Package scheduler implements the single-thread, time-ordered heap
// scheduler that drives every vessel's task chain: pop the earliest task,
// suspend until it's due, tick its controller, command the façade, record
// the outcome, and reschedule. No tick of one task ever interleaves with
// another task's bus I/O — the heap enforces strictly one active task at a
// time.
package scheduler

import (
	"container/heap"
	"fmt"
	"log"
	"time"

	"github.com/vesselctl/phctl/internal/facade"
	"github.com/vesselctl/phctl/internal/store"
	"github.com/vesselctl/phctl/internal/task"
)

// Clock is the time source every suspension point goes through, so tests
// can drive a virtual clock instead of wall time. task.Clock already names
// this shape; Scheduler depends on the same interface directly.
type Clock = task.Clock

// realClock is the production Clock, a thin wrapper over time.Now/time.Sleep.
type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock returns the wall-clock Clock implementation.
func RealClock() Clock { return realClock{} }

// readFailureDelay is how long a task is pushed back after a failed
// measurement.
const readFailureDelay = 6 * time.Second

// taskHeap is a container/heap.Interface min-heap over task pointers,
// ordered by (NextTickTime, PumpID).
type taskHeap []*task.Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	ti, pi := h[i].OrderingKey()
	tj, pj := h[j].OrderingKey()
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return pi < pj
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PauseSignal is polled once between ticks; when it fires the scheduler
// blocks on WaitForResume until the operator clears it. It is not a cancellation:
// the current phase is preserved.
type PauseSignal interface {
	Paused() bool
	WaitForResume()
}

// NoPause never pauses, for runs with no interactive operator attached.
type NoPause struct{}

func (NoPause) Paused() bool   { return false }
func (NoPause) WaitForResume() {}

// Options configures a Scheduler.
type Options struct {
	Clock Clock
	Pause PauseSignal

	// ShouldRecordStepsWhileRunning persists the full records frame to
	// RecordsPath after every tick.
	ShouldRecordStepsWhileRunning bool
	RecordsPath                   string

	// ShouldPrintSchedulingMessages mirrors config.yml's verbosity knob.
	ShouldPrintSchedulingMessages bool
}

// Scheduler owns the task heap, an injected façade, and drives the
// main loop.
type Scheduler struct {
	heap    taskHeap
	facade  facade.Facade
	clock   Clock
	pause   PauseSignal
	records *store.Records

	shouldRecordLive bool
	recordsPath      string
	verbose          bool

	runStart      time.Time
	adaptiveAfter time.Duration
}

// singleDoseController implements the pre-adaptive dosing strategy: pump
// exactly one unit when below setpoint, nothing otherwise.
type singleDoseController struct{}

func (singleDoseController) Step(setpoint, measured float64) int {
	if measured < setpoint {
		return 1
	}
	return 0
}

// Controller is the minimal interface the scheduler drives a task's
// dosing decision through; internal/dosing.Controller satisfies it.
type Controller interface {
	Step(setpoint, measured float64) int
}

// New builds a Scheduler over an initial set of task chains.
func New(tasks []*task.Task, f facade.Facade, opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	pause := opts.Pause
	if pause == nil {
		pause = NoPause{}
	}

	s := &Scheduler{
		facade:           f,
		clock:            clock,
		pause:            pause,
		records:          store.NewRecords(),
		shouldRecordLive: opts.ShouldRecordStepsWhileRunning,
		recordsPath:      opts.RecordsPath,
		verbose:          opts.ShouldPrintSchedulingMessages,
	}
	for _, t := range tasks {
		heap.Push(&s.heap, t)
	}
	return s
}

// Records returns the scheduler's results spreadsheet.
func (s *Scheduler) Records() *store.Records { return s.records }

// SetAdaptiveGate configures the adaptive-pumping gate: after elapsed
// time afterHours since runStart, each task's dosing decision switches
// from the single-dose controller to its own windowed-derivative
// controller. A threshold <= 0 means adaptive mode is active from t=0.
func (s *Scheduler) SetAdaptiveGate(runStart time.Time, afterHours float64) {
	s.runStart = runStart
	s.adaptiveAfter = time.Duration(afterHours * float64(time.Hour))
}

// logf writes to the standard logger when scheduling messages are enabled.
func (s *Scheduler) logf(format string, args ...any) {
	if s.verbose {
		log.Printf(format, args...)
	}
}

// PreCondition runs the optional start-up pre-conditioning pass:
// repeatedly measure every vessel and dispense k extra
// pumps into any vessel below its phase-0 start target, polling every
// pollInterval, until every vessel is at or above target.
func (s *Scheduler) PreCondition(pollInterval time.Duration, extraPumps int) error {
	for {
		allAtTarget := true
		for _, t := range s.heap {
			target := t.Phases[0].PHStart
			ph, err := s.facade.MeasurePHForTask(t.ProbeID)
			if err != nil {
				return fmt.Errorf("scheduler: pre-condition measuring %s: %w", t.ProbeID, err)
			}
			if ph < target {
				allAtTarget = false
				if err := s.facade.PumpNTimes(t.PumpID, extraPumps); err != nil {
					return fmt.Errorf("scheduler: pre-condition dosing pump %d: %w", t.PumpID, err)
				}
			}
		}
		if allAtTarget {
			return nil
		}
		s.clock.Sleep(pollInterval)
	}
}

// controllerFor picks the single-dose or the task's own adaptive
// controller depending on how far into the run "now" is.
func (s *Scheduler) controllerFor(t *task.Task, now time.Time) Controller {
	if s.adaptiveAfter <= 0 {
		return t.Controller
	}
	if now.Sub(s.runStart) >= s.adaptiveAfter {
		return t.Controller
	}
	return singleDoseController{}
}

// Run drives the main loop until the heap is empty: pop the earliest
// task, wait for it, tick its controller, command the façade, record the
// outcome, and reschedule (itself, its successor, or neither).
func (s *Scheduler) Run() error {
	for s.heap.Len() > 0 {
		if s.pause.Paused() {
			s.pause.WaitForResume()
		}

		t := heap.Pop(&s.heap).(*task.Task)
		t.WaitUntilReady(s.clock)

		now := s.clock.Now()
		expected := t.ExpectedPHNow(now)

		measured, measureErr := s.facade.MeasurePHForTask(t.ProbeID)
		rec := store.Record{
			PumpTask:   t.PumpID,
			TimePoint:  now,
			ExpectedPH: expected,
		}

		if measureErr != nil {
			s.logf("scheduler: pump %d: measurement failed: %v", t.PumpID, measureErr)
			rec.ActualPH = store.NaN
			rec.DidPump = false
			s.records.Append(rec)
			if s.shouldRecordLive {
				if err := s.records.SaveFile(s.recordsPath); err != nil {
					return fmt.Errorf("scheduler: saving records after read failure: %w", err)
				}
			}
			t.NextTickTime = now.Add(readFailureDelay)
			heap.Push(&s.heap, t)
			continue
		}

		rec.ActualPH = measured
		doseCount := s.controllerFor(t, now).Step(expected, measured)
		rec.PumpMultiplier = float64(doseCount)
		if doseCount > 0 {
			if err := s.facade.PumpNTimes(t.PumpID, doseCount); err != nil {
				return fmt.Errorf("scheduler: pumping pump %d: %w", t.PumpID, err)
			}
			rec.DidPump = true
		}

		s.records.Append(rec)
		if s.shouldRecordLive {
			if err := s.records.SaveFile(s.recordsPath); err != nil {
				return fmt.Errorf("scheduler: saving records: %w", err)
			}
		}

		phase := t.CurrentPhase()
		t.NextTickTime = now.Add(phase.MinimumDelay)
		if t.InPhase(t.NextTickTime) {
			heap.Push(&s.heap, t)
			continue
		}
		// The successor phase starts where the current one ends, not at
		// the next tick: the trajectory is continuous even when ticks
		// straddle the boundary.
		if t.Advance(t.PhaseStart.Add(phase.Duration)) {
			t.NextTickTime = t.PhaseStart.Add(t.CurrentPhase().MinimumDelay)
			heap.Push(&s.heap, t)
		}
		// else: chain retired, task dropped.
	}
	return nil
}

// Restart rebuilds a task queue from the original recipe tasks and a
// prior run's results file: the chain's StartTime is adopted from the
// first record, each task's NextTickTime is set from its own last
// record's TimePoint plus the current phase's minimum delay, and the
// phase cursor is advanced to match elapsed time. Restart is idempotent:
// re-running it against the same results file re-derives the same offset
// queue (dose history itself is never replayed).
func Restart(tasks []*task.Task, recordsPath string) ([]*task.Task, error) {
	records, err := store.LoadRecordsFile(recordsPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: restart: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("scheduler: restart: %s has no records", recordsPath)
	}

	last, err := store.RestartReader(recordsPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: restart: %w", err)
	}

	origStart := records[0].TimePoint
	var runnable []*task.Task
	for _, t := range tasks {
		rec, ok := last[t.PumpID]
		if !ok {
			// Never ticked before the crash: start fresh from the
			// original chain start.
			t.StartTime = origStart
			t.PhaseStart = origStart
			t.NextTickTime = origStart
			runnable = append(runnable, t)
			continue
		}

		t.StartTime = origStart
		elapsed := rec.TimePoint.Sub(origStart)
		t.PhaseStart = origStart
		for t.PhaseIndex < len(t.Phases) && elapsed >= t.Phases[t.PhaseIndex].Duration {
			elapsed -= t.Phases[t.PhaseIndex].Duration
			t.PhaseStart = t.PhaseStart.Add(t.Phases[t.PhaseIndex].Duration)
			t.PhaseIndex++
		}
		if t.Done() {
			continue // chain already retired before the crash
		}
		t.NextTickTime = rec.TimePoint.Add(t.CurrentPhase().MinimumDelay)
		runnable = append(runnable, t)
	}
	return runnable, nil
}
