package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/vesselctl/phctl/internal/brokerproto"
	"github.com/vesselctl/phctl/internal/calibration"
	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// Networked forwards every Facade call as a framed request/reply to a
// session broker over a ZeroMQ REQ socket: one multipart message out,
// one blocking reply back, serialized under a mutex so requests never
// overlap on the socket.
type Networked struct {
	sock     zmq4.Socket
	clientID string
	mu       sync.Mutex
}

// Dial connects to a broker listening at url (e.g. "tcp://127.0.0.1:5555").
// Each connection gets a fresh client id; the broker keys its lease
// bookkeeping on it.
func Dial(url string) (*Networked, error) {
	sock := zmq4.NewReq(context.Background())
	if err := sock.Dial(url); err != nil {
		return nil, fmt.Errorf("facade: dial broker at %s: %w", url, err)
	}
	return &Networked{sock: sock, clientID: uuid.NewString()}, nil
}

// Close releases the underlying socket.
func (n *Networked) Close() error {
	return n.sock.Close()
}

// call sends one multipart [client_id, verb, args...] request and returns
// the single reply payload, translating an "ERROR ..." reply into a Go
// error.
func (n *Networked) call(verb brokerproto.Verb, args ...string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	frames := make([][]byte, 0, len(args)+2)
	frames = append(frames, []byte(n.clientID), []byte(string(verb)))
	for _, a := range args {
		frames = append(frames, []byte(a))
	}

	if err := n.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return "", fmt.Errorf("facade: send %s: %w", verb, err)
	}
	reply, err := n.sock.Recv()
	if err != nil {
		return "", fmt.Errorf("facade: recv %s: %w", verb, err)
	}
	if len(reply.Frames) == 0 {
		return "", fmt.Errorf("facade: empty reply to %s", verb)
	}
	payload := string(reply.Frames[0])
	if strings.HasPrefix(payload, brokerproto.ErrorPrefix) {
		return "", fmt.Errorf("facade: broker: %s", payload)
	}
	return payload, nil
}

// Initialize issues the liveness-check verb.
func (n *Networked) Initialize() error {
	_, err := n.call(brokerproto.VerbTest)
	return err
}

// InitializePumpsUsedInProtocol sends the protocol's pump/probe summary so
// the broker can lease and configure them.
func (n *Networked) InitializePumpsUsedInProtocol(tasks []*task.Task) error {
	payload, err := brokerproto.MarshalProtocol(brokerproto.SummarizeTasks(tasks))
	if err != nil {
		return err
	}
	_, err = n.call(brokerproto.VerbInitializePumpsUsedInProtocol, payload)
	return err
}

// GetCurrentPumpAddress asks the broker for the commissioning pump's
// current address.
func (n *Networked) GetCurrentPumpAddress() (wire.PumpID, error) {
	reply, err := n.call(brokerproto.VerbGetCurrentPumpAddress)
	if err != nil {
		return 0, err
	}
	return parsePumpID(reply)
}

// SetAndGetAddressForCurrentPump reassigns the commissioning pump's
// address through the broker.
func (n *Networked) SetAndGetAddressForCurrentPump(newAddr wire.PumpID) (wire.PumpID, error) {
	reply, err := n.call(brokerproto.VerbSetAndGetAddressForCurrentPump, strconv.Itoa(int(newAddr)))
	if err != nil {
		return 0, err
	}
	return parsePumpID(reply)
}

func parsePumpID(s string) (wire.PumpID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("facade: parsing pump address reply %q: %w", s, err)
	}
	return wire.PumpID(n), nil
}

// GetMVValuesOfSelectedProbes asks the broker for raw mV readings.
func (n *Networked) GetMVValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	args, err := json.Marshal(probes)
	if err != nil {
		return nil, fmt.Errorf("facade: marshal probe list: %w", err)
	}
	reply, err := n.call(brokerproto.VerbGetMVValuesOfSelectedProbes, string(args))
	if err != nil {
		return nil, err
	}
	return parseProbeMap(reply)
}

// GetPHValuesOfSelectedProbes asks the broker for calibrated pH readings.
func (n *Networked) GetPHValuesOfSelectedProbes(probes []wire.ProbeID) (map[wire.ProbeID]float64, error) {
	args, err := json.Marshal(probes)
	if err != nil {
		return nil, fmt.Errorf("facade: marshal probe list: %w", err)
	}
	reply, err := n.call(brokerproto.VerbGetPHValuesOfSelectedProbes, string(args))
	if err != nil {
		return nil, err
	}
	return parseProbeMap(reply)
}

func parseProbeMap(payload string) (map[wire.ProbeID]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("facade: parse probe value reply: %w", err)
	}
	out := make(map[wire.ProbeID]float64, len(raw))
	for k, v := range raw {
		out[wire.ProbeID(k)] = v
	}
	return out, nil
}

// MeasurePHForTask asks the broker to measure a single task's probe.
func (n *Networked) MeasurePHForTask(probeID wire.ProbeID) (float64, error) {
	reply, err := n.call(brokerproto.VerbMeasurePHWithProbeAssociatedWithTask, string(probeID))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("facade: parse pH reply %q: %w", reply, err)
	}
	return v, nil
}

// Pump issues a single dispense through the broker.
func (n *Networked) Pump(pumpID wire.PumpID) error {
	_, err := n.call(brokerproto.VerbPumpNTimes, strconv.Itoa(int(pumpID)), "1")
	return err
}

// PumpNTimes issues n dispenses through the broker.
func (n *Networked) PumpNTimes(pumpID wire.PumpID, times int) error {
	_, err := n.call(brokerproto.VerbPumpNTimes, strconv.Itoa(int(pumpID)), strconv.Itoa(times))
	return err
}

// SetPumpDoseMultiplier sends the serialized protocol summary and
// multiplier through the broker. The payload is the already-serialized
// JSON from brokerproto.MarshalProtocol, never a deferred serializer.
func (n *Networked) SetPumpDoseMultiplier(tasks []*task.Task, multiplier float64) error {
	payload, err := brokerproto.MarshalProtocol(brokerproto.SummarizeTasks(tasks))
	if err != nil {
		return err
	}
	_, err = n.call(brokerproto.VerbSetPumpDoseMultiplicationFactor, payload, strconv.FormatFloat(multiplier, 'f', -1, 64))
	return err
}

// Recalibrate is served locally by the broker's owned façade; the
// networked client only triggers the reload.
func (n *Networked) Recalibrate(snapshot calibration.Snapshot) error {
	_, err := n.call(brokerproto.VerbRecalibratePHMeter)
	return err
}

// Disconnect releases this client's leases.
func (n *Networked) Disconnect(tasks []*task.Task) error {
	payload, err := brokerproto.MarshalProtocol(brokerproto.SummarizeTasks(tasks))
	if err != nil {
		return err
	}
	_, err = n.call(brokerproto.VerbDisconnect, payload)
	return err
}

var _ Facade = (*Networked)(nil)
