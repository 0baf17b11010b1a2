// Package broker implements the session broker: a single long-lived
// process that owns one pH-meter and one pump system and arbitrates
// access to them across clients over a ZeroMQ REP socket.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/vesselctl/phctl/internal/brokerproto"
	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/facade"
	"github.com/vesselctl/phctl/internal/store"
	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// ErrLeaseConflict is returned when a protocol's pumps or probes overlap
// an existing lease.
var ErrLeaseConflict = errors.New("broker: lease conflict")

// Broker owns the in-process façade and the lease-set bookkeeping.
// It is single-threaded with respect to its owned
// devices: the REP accept loop processes exactly one request at a time,
// so physical bus access is inherently serialized.
type Broker struct {
	facade          *facade.InProcess
	db              *store.DB
	calibrationPath string

	mu            sync.Mutex
	leasedPumps   map[wire.PumpID]bool
	leasedProbes  map[wire.ProbeID]bool
	sessionPumps  map[string][]wire.PumpID
	sessionProbes map[string][]wire.ProbeID

	sock zmq4.Socket
}

// New wraps an already-constructed in-process façade. If db is non-nil,
// the lease set is restored from it at startup so a restarted broker
// process rediscovers in-flight leases instead of silently granting
// conflicting ones.
func New(f *facade.InProcess, db *store.DB, calibrationPath string) (*Broker, error) {
	b := &Broker{
		facade:          f,
		db:              db,
		calibrationPath: calibrationPath,
		leasedPumps:     make(map[wire.PumpID]bool),
		leasedProbes:    make(map[wire.ProbeID]bool),
		sessionPumps:    make(map[string][]wire.PumpID),
		sessionProbes:   make(map[string][]wire.ProbeID),
	}
	if db != nil {
		pumps, err := db.LeasedPumps()
		if err != nil {
			return nil, fmt.Errorf("broker: restoring leased pumps: %w", err)
		}
		probes, err := db.LeasedProbes()
		if err != nil {
			return nil, fmt.Errorf("broker: restoring leased probes: %w", err)
		}
		for _, p := range pumps {
			b.leasedPumps[p] = true
		}
		for _, p := range probes {
			b.leasedProbes[p] = true
		}
	}
	return b, nil
}

// ListenAndServe binds url (e.g. "tcp://*:5555") and runs the REP
// accept loop until ctx is cancelled or a stop request has been answered.
// Every inbound frame is a multipart
// [client_id, verb, args...] request; the broker replies with a single
// payload frame, or an "ERROR: ..." frame on failure. A per-request
// panic or error never terminates the loop.
func (b *Broker) ListenAndServe(ctx context.Context, url string) error {
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(url); err != nil {
		return fmt.Errorf("broker: listen on %s: %w", url, err)
	}
	b.sock = sock
	defer sock.Close()

	log.Printf("broker: listening on %s", url)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("broker: recv error: %v", err)
			continue
		}

		reply := b.dispatch(msg)
		if err := sock.Send(zmq4.NewMsgFrom([]byte(reply))); err != nil {
			log.Printf("broker: send error: %v", err)
		}
		if requestVerb(msg) == brokerproto.VerbStop {
			log.Printf("broker: stop requested, shutting down")
			return nil
		}
	}
}

// requestVerb extracts the verb frame from a request, tolerating the bare
// [verb, args...] form the same way dispatch does.
func requestVerb(msg zmq4.Msg) brokerproto.Verb {
	if len(msg.Frames) >= 2 {
		return brokerproto.Verb(msg.Frames[1])
	}
	if len(msg.Frames) == 1 {
		return brokerproto.Verb(msg.Frames[0])
	}
	return ""
}

// dispatch handles one request frame and never lets an error or panic
// escape: the broker keeps serving after a bad request.
func (b *Broker) dispatch(msg zmq4.Msg) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broker: recovered from panic handling request: %v", r)
			reply = fmt.Sprintf("%s: panic: %v", brokerproto.ErrorPrefix, r)
		}
	}()

	if len(msg.Frames) == 0 {
		return fmt.Sprintf("%s: empty request", brokerproto.ErrorPrefix)
	}

	var clientID string
	var verb brokerproto.Verb
	var args []string
	if len(msg.Frames) >= 2 {
		clientID = string(msg.Frames[0])
		verb = brokerproto.Verb(msg.Frames[1])
		for _, f := range msg.Frames[2:] {
			args = append(args, string(f))
		}
	} else {
		clientID = uuid.NewString()
		verb = brokerproto.Verb(msg.Frames[0])
	}

	payload, err := b.handle(clientID, verb, args)
	if err != nil {
		log.Printf("broker: %s failed: %v", verb, err)
		return fmt.Sprintf("%s: %v", brokerproto.ErrorPrefix, err)
	}
	return payload
}

func (b *Broker) handle(clientID string, verb brokerproto.Verb, args []string) (string, error) {
	switch verb {
	case brokerproto.VerbTest:
		return "OK", nil

	case brokerproto.VerbStop:
		return "OK", nil

	case brokerproto.VerbInitializePumpsUsedInProtocol:
		return b.handleInitialize(clientID, args)

	case brokerproto.VerbDisconnect:
		return b.handleDisconnect(clientID, args)

	case brokerproto.VerbGetCurrentPumpAddress:
		addr, err := b.facade.GetCurrentPumpAddress()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", addr), nil

	case brokerproto.VerbSetAndGetAddressForCurrentPump:
		return b.handleSetAddress(args)

	case brokerproto.VerbGetMVValuesOfSelectedProbes:
		return b.handleProbeValues(args, b.facade.GetMVValuesOfSelectedProbes)

	case brokerproto.VerbGetPHValuesOfSelectedProbes:
		return b.handleProbeValues(args, b.facade.GetPHValuesOfSelectedProbes)

	case brokerproto.VerbMeasurePHWithProbeAssociatedWithTask:
		return b.handleMeasure(args)

	case brokerproto.VerbRecalibratePHMeter:
		return b.handleRecalibrate()

	case brokerproto.VerbPumpNTimes:
		return b.handlePumpNTimes(args)

	case brokerproto.VerbSetPumpDoseMultiplicationFactor:
		return b.handleSetDoseMultiplier(args)

	default:
		return "", fmt.Errorf("unknown verb %q", verb)
	}
}

// handleInitialize is the one verb with broker-side behavior beyond
// forwarding: it computes the pumps/probes a protocol wants, rejects the
// request if any overlaps an existing lease, and otherwise unions them
// into the lease set and configures the pumps.
func (b *Broker) handleInitialize(clientID string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("initialize_pumps_used_in_protocol: want 1 arg, got %d", len(args))
	}
	summary, err := brokerproto.UnmarshalProtocol(args[0])
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	for _, p := range summary.Pumps {
		if b.leasedPumps[p] {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: pump %d already leased", ErrLeaseConflict, p)
		}
	}
	for _, p := range summary.Probes {
		if b.leasedProbes[p] {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: probe %s already leased", ErrLeaseConflict, p)
		}
	}
	for _, p := range summary.Pumps {
		b.leasedPumps[p] = true
	}
	for _, p := range summary.Probes {
		b.leasedProbes[p] = true
	}
	b.sessionPumps[clientID] = summary.Pumps
	b.sessionProbes[clientID] = summary.Probes
	b.mu.Unlock()

	if b.db != nil {
		if err := b.db.LeaseSession(clientID, summary.Pumps, summary.Probes); err != nil {
			return "", fmt.Errorf("broker: persisting lease: %w", err)
		}
	}

	tasks := summaryToTasks(summary)
	if err := b.facade.InitializePumpsUsedInProtocol(tasks); err != nil {
		return "", err
	}
	return "OK", nil
}

func (b *Broker) handleDisconnect(clientID string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("disconnect: want 1 arg, got %d", len(args))
	}
	summary, err := brokerproto.UnmarshalProtocol(args[0])
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	for _, p := range summary.Pumps {
		delete(b.leasedPumps, p)
	}
	for _, p := range summary.Probes {
		delete(b.leasedProbes, p)
	}
	delete(b.sessionPumps, clientID)
	delete(b.sessionProbes, clientID)
	b.mu.Unlock()

	if b.db != nil {
		if err := b.db.ReleaseSession(clientID); err != nil {
			return "", fmt.Errorf("broker: releasing lease: %w", err)
		}
	}

	tasks := summaryToTasks(summary)
	if err := b.facade.Disconnect(tasks); err != nil {
		return "", err
	}
	return "OK", nil
}

// handleRecalibrate reloads calibration_data.yml from disk and publishes
// it to the owned façade. The networked client's own Recalibrate call
// carries no snapshot — it exists purely to trigger this reload, since
// the calibration file is the thing an operator edits between runs.
func (b *Broker) handleRecalibrate() (string, error) {
	store, err := calibration.LoadFile(b.calibrationPath)
	if err != nil {
		return "", fmt.Errorf("broker: reloading calibration: %w", err)
	}
	if err := b.facade.Recalibrate(store.Load()); err != nil {
		return "", err
	}
	return "OK", nil
}

func (b *Broker) handleSetAddress(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("set_and_get_address_for_current_pump: want 1 arg, got %d", len(args))
	}
	var newAddr int
	if _, err := fmt.Sscanf(args[0], "%d", &newAddr); err != nil {
		return "", fmt.Errorf("set_and_get_address_for_current_pump: parsing %q: %w", args[0], err)
	}
	addr, err := b.facade.SetAndGetAddressForCurrentPump(wire.PumpID(newAddr))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", addr), nil
}

func (b *Broker) handleProbeValues(args []string, fn func([]wire.ProbeID) (map[wire.ProbeID]float64, error)) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("want 1 arg, got %d", len(args))
	}
	probes, err := unmarshalProbeList(args[0])
	if err != nil {
		return "", err
	}
	values, err := fn(probes)
	if err != nil {
		return "", err
	}
	return marshalProbeMap(values)
}

func (b *Broker) handleMeasure(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("measure_ph_with_probe_associated_with_task: want 1 arg, got %d", len(args))
	}
	ph, err := b.facade.MeasurePHForTask(wire.ProbeID(args[0]))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%g", ph), nil
}

func (b *Broker) handlePumpNTimes(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("pump_n_times: want 2 args, got %d", len(args))
	}
	var addr, n int
	if _, err := fmt.Sscanf(args[0], "%d", &addr); err != nil {
		return "", fmt.Errorf("pump_n_times: parsing pump id %q: %w", args[0], err)
	}
	if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
		return "", fmt.Errorf("pump_n_times: parsing count %q: %w", args[1], err)
	}
	if err := b.facade.PumpNTimes(wire.PumpID(addr), n); err != nil {
		return "", err
	}
	return "OK", nil
}

func (b *Broker) handleSetDoseMultiplier(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("set_pump_dose_multiplication_factor: want 2 args, got %d", len(args))
	}
	summary, err := brokerproto.UnmarshalProtocol(args[0])
	if err != nil {
		return "", err
	}
	var multiplier float64
	if _, err := fmt.Sscanf(args[1], "%g", &multiplier); err != nil {
		return "", fmt.Errorf("set_pump_dose_multiplication_factor: parsing multiplier %q: %w", args[1], err)
	}
	tasks := summaryToTasks(summary)
	if err := b.facade.SetPumpDoseMultiplier(tasks, multiplier); err != nil {
		return "", err
	}
	return "OK", nil
}

// summaryToTasks builds the minimal task stubs the façade's bulk calls
// need: pump/probe identity, plus a single phase holding the pump's dose
// volume when the summary carries one. No other phase data crosses the wire.
func summaryToTasks(s brokerproto.ProtocolSummary) []*task.Task {
	n := len(s.Pumps)
	if len(s.Probes) > n {
		n = len(s.Probes)
	}
	tasks := make([]*task.Task, 0, n)
	for i := 0; i < n; i++ {
		t := &task.Task{}
		if i < len(s.Pumps) {
			t.PumpID = s.Pumps[i]
			if dose, ok := s.DoseVolume[t.PumpID]; ok {
				t.Phases = []task.Phase{{DoseVolumeUL: dose}}
			}
		}
		if i < len(s.Probes) {
			t.ProbeID = s.Probes[i]
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// unmarshalProbeList parses a JSON array of probe ids.
func unmarshalProbeList(payload string) ([]wire.ProbeID, error) {
	var probes []wire.ProbeID
	if err := json.Unmarshal([]byte(payload), &probes); err != nil {
		return nil, fmt.Errorf("parsing probe list: %w", err)
	}
	return probes, nil
}

// marshalProbeMap serializes a probe->value map for the wire.
func marshalProbeMap(values map[wire.ProbeID]float64) (string, error) {
	raw := make(map[string]float64, len(values))
	for k, v := range values {
		raw[string(k)] = v
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshaling probe value map: %w", err)
	}
	return string(data), nil
}
