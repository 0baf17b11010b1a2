package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/dosing"
	"github.com/vesselctl/phctl/internal/store"
	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// fakeClock is a virtual clock: Sleep advances "now" instead of blocking.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
}

// fakeFacade is an in-memory facade.Facade double: measurements are served
// from a per-probe queue, dosing just counts calls. ops records every bus
// operation in order so tests can assert no cross-task interleaving.
type fakeFacade struct {
	readings  map[wire.ProbeID][]float64
	readErr   map[wire.ProbeID]error
	pumpCalls map[wire.PumpID]int
	ops       []string
}

func newFakeFacade() *fakeFacade {
	return &fakeFacade{
		readings:  make(map[wire.ProbeID][]float64),
		readErr:   make(map[wire.ProbeID]error),
		pumpCalls: make(map[wire.PumpID]int),
	}
}

func (f *fakeFacade) Initialize() error                                  { return nil }
func (f *fakeFacade) InitializePumpsUsedInProtocol(t []*task.Task) error  { return nil }
func (f *fakeFacade) GetCurrentPumpAddress() (wire.PumpID, error)        { return 0, nil }
func (f *fakeFacade) SetAndGetAddressForCurrentPump(n wire.PumpID) (wire.PumpID, error) {
	return n, nil
}
func (f *fakeFacade) GetMVValuesOfSelectedProbes(p []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	return nil, nil
}
func (f *fakeFacade) GetPHValuesOfSelectedProbes(p []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	return nil, nil
}

func (f *fakeFacade) MeasurePHForTask(probeID wire.ProbeID) (float64, error) {
	f.ops = append(f.ops, "measure "+string(probeID))
	if err := f.readErr[probeID]; err != nil {
		delete(f.readErr, probeID)
		return 0, err
	}
	q := f.readings[probeID]
	if len(q) == 0 {
		return 7.0, nil
	}
	f.readings[probeID] = q[1:]
	return q[0], nil
}

func (f *fakeFacade) Pump(pumpID wire.PumpID) error { return f.PumpNTimes(pumpID, 1) }
func (f *fakeFacade) PumpNTimes(pumpID wire.PumpID, n int) error {
	f.ops = append(f.ops, fmt.Sprintf("pump %d", pumpID))
	f.pumpCalls[pumpID] += n
	return nil
}
func (f *fakeFacade) SetPumpDoseMultiplier(t []*task.Task, m float64) error { return nil }
func (f *fakeFacade) Recalibrate(s calibration.Snapshot) error             { return nil }
func (f *fakeFacade) Disconnect(t []*task.Task) error                     { return nil }

func TestTaskHeapOrdersByTickTimeThenPumpID(t *testing.T) {
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &taskHeap{
		&task.Task{PumpID: 3, NextTickTime: tick},
		&task.Task{PumpID: 1, NextTickTime: tick},
		&task.Task{PumpID: 2, NextTickTime: tick.Add(-time.Second)},
	}
	heap.Init(h)

	first := heap.Pop(h).(*task.Task)
	if first.PumpID != 2 {
		t.Fatalf("first pop = pump %d, want 2 (earlier tick wins)", first.PumpID)
	}
	second := heap.Pop(h).(*task.Task)
	if second.PumpID != 1 {
		t.Fatalf("second pop = pump %d, want 1 (tie-break on pump id)", second.PumpID)
	}
}

func singlePhaseTask(pumpID wire.PumpID, probeID wire.ProbeID, start time.Time, dur time.Duration) *task.Task {
	return &task.Task{
		PumpID:  pumpID,
		ProbeID: probeID,
		Phases: []task.Phase{
			{Duration: dur, PHStart: 7.0, PHEnd: 6.5, MinimumDelay: time.Minute, DoseVolumeUL: 40},
		},
		StartTime:    start,
		PhaseStart:   start,
		NextTickTime: start,
		Controller:   dosing.NewProportional(1.0),
	}
}

func TestRunRetiresSingleTickChainAfterOnePass(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Second)

	f := newFakeFacade()
	f.readings["probe1"] = []float64{7.5}

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.heap.Len() != 0 {
		t.Fatalf("expected the chain to retire, heap has %d left", s.heap.Len())
	}
	if f.pumpCalls[1] != 0 {
		t.Fatalf("measured pH was above setpoint, expected no dose, got %d", f.pumpCalls[1])
	}
	recs := s.Records().All()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestRunDosesWhenBelowSetpoint(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Second)

	f := newFakeFacade()
	f.readings["probe1"] = []float64{6.0} // below PHStart/PHEnd target

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.pumpCalls[1] == 0 {
		t.Fatal("expected a dose when measured pH is below the expected target")
	}
}

func TestRunReschedulesSixSecondsAfterReadFailure(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Hour)

	f := newFakeFacade()
	f.readErr["probe1"] = errors.New("bus timeout")
	// second read succeeds so Run can terminate the phase naturally later;
	// we only need to observe the reschedule gap here.
	f.readings["probe1"] = []float64{7.0}

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := stepOnce(s); err != nil {
		t.Fatalf("stepOnce: %v", err)
	}
	if s.heap.Len() != 1 {
		t.Fatal("expected the task to be rescheduled, not retired")
	}
	popped := s.heap[0]
	if got := popped.NextTickTime.Sub(start); got != readFailureDelay {
		t.Fatalf("reschedule gap = %v, want %v", got, readFailureDelay)
	}
	recs := s.Records().All()
	if len(recs) != 1 || !math.IsNaN(recs[0].ActualPH) {
		t.Fatalf("expected one NaN record from the failed read, got %+v", recs)
	}
}

// stepOnce runs exactly one heap pop/tick/reschedule cycle, mirroring the
// body of Run without looping, for tests that need to inspect state
// mid-run.
func stepOnce(s *Scheduler) error {
	if s.heap.Len() == 0 {
		return nil
	}
	t := heap.Pop(&s.heap).(*task.Task)
	t.WaitUntilReady(s.clock)
	now := s.clock.Now()
	expected := t.ExpectedPHNow(now)
	measured, measureErr := s.facade.MeasurePHForTask(t.ProbeID)
	rec := store.Record{PumpTask: t.PumpID, TimePoint: now, ExpectedPH: expected}
	if measureErr != nil {
		rec.ActualPH = store.NaN
		s.records.Append(rec)
		t.NextTickTime = now.Add(readFailureDelay)
		heap.Push(&s.heap, t)
		return nil
	}
	rec.ActualPH = measured
	s.records.Append(rec)
	heap.Push(&s.heap, t)
	return nil
}

// fakePause fires once, records that the scheduler blocked on resume, and
// clears itself the way the operator's "enter to resume" does.
type fakePause struct {
	paused  bool
	resumed int
}

func (p *fakePause) Paused() bool { return p.paused }
func (p *fakePause) WaitForResume() {
	p.paused = false
	p.resumed++
}

func TestRunBlocksOnPauseSignalBeforeTicking(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Second)

	pause := &fakePause{paused: true}
	s := New([]*task.Task{tk}, newFakeFacade(), Options{Clock: clock, Pause: pause})
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pause.resumed != 1 {
		t.Fatalf("expected exactly one resume wait, got %d", pause.resumed)
	}
	if pause.paused {
		t.Fatal("expected the pause flag to be cleared after resume")
	}
	if len(s.Records().All()) != 1 {
		t.Fatal("expected the tick to proceed after resume (pause preserves the phase)")
	}
}

func TestRunExecutesSimultaneousTasksInPumpOrderWithoutInterleaving(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	// Pushed out of pump order on purpose; both due at the same instant.
	t2 := singlePhaseTask(2, "probe2", start, time.Second)
	t1 := singlePhaseTask(1, "probe1", start, time.Second)

	f := newFakeFacade()
	f.readings["probe1"] = []float64{6.0} // below target: doses
	f.readings["probe2"] = []float64{6.0}

	s := New([]*task.Task{t2, t1}, f, Options{Clock: clock})
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"measure probe1", "pump 1", "measure probe2", "pump 2"}
	if len(f.ops) != len(want) {
		t.Fatalf("bus operations = %v, want %v", f.ops, want)
	}
	for i := range want {
		if f.ops[i] != want[i] {
			t.Fatalf("bus operations = %v, want %v (pump-id order, task 1's I/O complete before task 2 starts)", f.ops, want)
		}
	}
}

func TestRunChainsFollowOnPhaseFromPreviousPhaseEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := &task.Task{
		PumpID:  1,
		ProbeID: "probe1",
		Phases: []task.Phase{
			{Duration: 2 * time.Minute, PHStart: 7.0, PHEnd: 7.0, MinimumDelay: time.Minute},
			{Duration: 2 * time.Minute, PHStart: 7.0, PHEnd: 8.0, MinimumDelay: time.Minute},
		},
		StartTime:    start,
		PhaseStart:   start,
		NextTickTime: start,
		Controller:   dosing.NewWindowedDerivative(),
	}

	f := newFakeFacade() // every read returns 7.0: at target throughout phase 0

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := s.Records().All()
	// Ticks land at 0m and 1m (phase 0), then 3m (phase 1's delay measured
	// from the phase boundary at 2m, not from the previous tick).
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3: %+v", len(recs), recs)
	}
	if got := recs[2].TimePoint.Sub(start); got != 3*time.Minute {
		t.Fatalf("phase-1 first tick at +%v, want +3m", got)
	}
	// One minute into a 7.0→8.0 ramp that began at the 2m phase boundary.
	if got := recs[2].ExpectedPH; math.Abs(got-7.5) > 1e-9 {
		t.Fatalf("phase-1 expected pH = %v, want 7.5 (trajectory anchored at the phase boundary)", got)
	}
}

func TestPreConditionDosesUntilAllVesselsAtTarget(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Hour) // Phases[0].PHStart = 7.0

	f := newFakeFacade()
	f.readings["probe1"] = []float64{6.0, 6.5, 7.0}

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.PreCondition(time.Minute, 3); err != nil {
		t.Fatalf("PreCondition: %v", err)
	}
	if f.pumpCalls[1] != 6 {
		t.Fatalf("expected 2 below-target polls x 3 extra pumps = 6 doses, got %d", f.pumpCalls[1])
	}
	if got := clock.now.Sub(start); got != 2*time.Minute {
		t.Fatalf("expected the clock to advance by 2 poll intervals, got %v", got)
	}
}

func TestPreConditionSkipsDosingWhenAlreadyAtTarget(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Hour)

	f := newFakeFacade()
	f.readings["probe1"] = []float64{7.2}

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.PreCondition(time.Minute, 3); err != nil {
		t.Fatalf("PreCondition: %v", err)
	}
	if f.pumpCalls[1] != 0 {
		t.Fatalf("expected no dosing when already at or above target, got %d", f.pumpCalls[1])
	}
	if clock.now != start {
		t.Fatal("expected PreCondition to return without sleeping")
	}
}

func TestPreConditionSurfacesReadFailures(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := singlePhaseTask(1, "probe1", start, time.Hour)

	f := newFakeFacade()
	f.readErr["probe1"] = errors.New("bus timeout")

	s := New([]*task.Task{tk}, f, Options{Clock: clock})
	if err := s.PreCondition(time.Minute, 3); err == nil {
		t.Fatal("expected PreCondition to surface a read failure verbatim")
	}
}

func TestControllerForRespectsAdaptiveGate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := singlePhaseTask(1, "probe1", start, time.Hour)
	f := newFakeFacade()
	s := New([]*task.Task{tk}, f, Options{Clock: &fakeClock{now: start}})
	s.SetAdaptiveGate(start, 2.0)

	before := s.controllerFor(tk, start.Add(time.Hour))
	if _, ok := before.(singleDoseController); !ok {
		t.Fatal("expected the single-dose controller before the adaptive threshold")
	}
	after := s.controllerFor(tk, start.Add(3*time.Hour))
	if after != Controller(tk.Controller) {
		t.Fatal("expected the task's own controller after the adaptive threshold")
	}
}

// mockReactor simulates a vessel on top of fakeFacade: each measurement
// drifts the pH down slightly, each dispensed dose pushes it up.
type mockReactor struct {
	*fakeFacade
	ph float64
}

func (r *mockReactor) MeasurePHForTask(probeID wire.ProbeID) (float64, error) {
	r.ph -= 0.01
	return r.ph, nil
}

func (r *mockReactor) PumpNTimes(pumpID wire.PumpID, n int) error {
	r.ph += 0.05 * float64(n)
	return r.fakeFacade.PumpNTimes(pumpID, n)
}

func TestMockReactorTracksSetpointAndCorrelatesPumping(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	tk := &task.Task{
		PumpID:  1,
		ProbeID: "probe1",
		Phases: []task.Phase{
			{Duration: 10 * time.Minute, PHStart: 7.0, PHEnd: 7.0, MinimumDelay: time.Minute},
		},
		StartTime:    start,
		PhaseStart:   start,
		NextTickTime: start,
		Controller:   dosing.NewWindowedDerivative(),
	}

	reactor := &mockReactor{fakeFacade: newFakeFacade(), ph: 6.85}
	s := New([]*task.Task{tk}, reactor, Options{Clock: clock})
	// Gate far past the run's end so the single-dose controller drives the
	// whole run: pump exactly once when below target.
	s.SetAdaptiveGate(start, 1.0)

	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := s.Records().All()
	if len(recs) != 10 {
		t.Fatalf("got %d records, want 10", len(recs))
	}
	for k, rec := range recs {
		if k >= 3 && math.Abs(rec.ActualPH-rec.ExpectedPH) >= 0.2 {
			t.Fatalf("tick %d: |actual %.3f - expected %.3f| >= 0.2", k, rec.ActualPH, rec.ExpectedPH)
		}
		if k > 0 && !recs[k-1].TimePoint.Before(rec.TimePoint) {
			t.Fatalf("tick %d: TimePoint not strictly increasing", k)
		}
	}
	// Under the single-dose controller the vessel rises exactly when dosed.
	for k := 0; k < len(recs)-1; k++ {
		rose := recs[k+1].ActualPH > recs[k].ActualPH
		if rose != recs[k].DidPump {
			t.Fatalf("tick %d: rose=%v but DidPump=%v", k, rose, recs[k].DidPump)
		}
	}
}

func TestRestartAdvancesPastElapsedPhasesAndDropsFinishedChains(t *testing.T) {
	origStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	phase0 := task.Phase{Duration: 10 * time.Minute, PHStart: 7, PHEnd: 6.5, MinimumDelay: time.Minute}
	phase1 := task.Phase{Duration: 10 * time.Minute, PHStart: 6.5, PHEnd: 6.0, MinimumDelay: time.Minute}

	running := &task.Task{PumpID: 1, ProbeID: "probe1", Phases: []task.Phase{phase0, phase1}}
	finished := &task.Task{PumpID: 2, ProbeID: "probe2", Phases: []task.Phase{phase0}}

	recs := store.NewRecords()
	recs.Append(store.Record{PumpTask: 1, TimePoint: origStart, ExpectedPH: 7, ActualPH: 7})
	recs.Append(store.Record{PumpTask: 1, TimePoint: origStart.Add(12 * time.Minute), ExpectedPH: 6.4, ActualPH: 6.4})
	recs.Append(store.Record{PumpTask: 2, TimePoint: origStart, ExpectedPH: 7, ActualPH: 7})
	recs.Append(store.Record{PumpTask: 2, TimePoint: origStart.Add(11 * time.Minute), ExpectedPH: 6.0, ActualPH: 6.0})

	path := t.TempDir() + "/restart.csv"
	if err := recs.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	runnable, err := Restart([]*task.Task{running, finished}, path)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(runnable) != 1 || runnable[0].PumpID != 1 {
		t.Fatalf("expected only pump 1's chain to remain runnable, got %+v", runnable)
	}
	if runnable[0].PhaseIndex != 1 {
		t.Fatalf("PhaseIndex = %d, want 1 (12 minutes elapsed into a 10+10 chain)", runnable[0].PhaseIndex)
	}
}
