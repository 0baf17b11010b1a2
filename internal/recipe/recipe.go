// Package recipe parses the tabular protocol spreadsheet into task chains:
// one head task per vessel, each carrying its full phase sequence.
package recipe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vesselctl/phctl/internal/task"
	"github.com/vesselctl/phctl/internal/wire"
)

// ErrConfigError covers an unparsable protocol row or an ambiguous pump or
// probe assignment.
var ErrConfigError = errors.New("recipe: config error")

// Row is one parsed protocol row before it is turned into a task chain.
// Notes is an optional free-text column trailing the last phase group,
// carried through for operator logging.
type Row struct {
	PumpID  wire.PumpID
	ProbeID wire.ProbeID
	Phases  []task.Phase
	Notes   string
}

// Parse reads a tabular protocol from r and returns one task chain per
// vessel (one Row's worth of phases held as that Task's Phases slice).
//
// Input may be comma- or tab-separated; the delimiter is sniffed from the
// header line, tolerating whichever export format produced the file — the
// original tool accepted both.
func Parse(r io.Reader) ([]*task.Task, error) {
	br := bufio.NewReader(r)
	firstLine, err := br.Peek(4096)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading header: %v", ErrConfigError, err)
	}
	delim := sniffDelimiter(string(firstLine))

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning rows: %v", ErrConfigError, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty protocol", ErrConfigError)
	}

	seenPumps := make(map[wire.PumpID]bool)
	seenProbes := make(map[wire.ProbeID]bool)
	var chains []*task.Task

	// lines[0] is the header; data starts at lines[1].
	for i := 1; i < len(lines); i++ {
		fields := strings.Split(lines[i], delim)
		row, ok, err := parseRow(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrConfigError, i+1, err)
		}
		if !ok {
			continue // On/off == 0
		}
		if seenPumps[row.PumpID] {
			return nil, fmt.Errorf("%w: row %d: duplicate pump id %d", ErrConfigError, i+1, row.PumpID)
		}
		if seenProbes[row.ProbeID] {
			return nil, fmt.Errorf("%w: row %d: duplicate probe id %s", ErrConfigError, i+1, row.ProbeID)
		}
		seenPumps[row.PumpID] = true
		seenProbes[row.ProbeID] = true

		chains = append(chains, rowToTask(row))
	}
	return chains, nil
}

// ParseFile opens path and parses it as a tabular protocol.
func ParseFile(path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConfigError, path, err)
	}
	defer f.Close()
	return Parse(f)
}

func sniffDelimiter(header string) string {
	line := header
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	if strings.Count(line, "\t") > strings.Count(line, ",") {
		return "\t"
	}
	return ","
}

const (
	colPump = iota
	colOnOff
	colProbe
	colFirstGroup
)

const groupWidth = 5 // Step, pH start, pH end, Dose vol., Force delay

// parseRow parses one data row. ok is false when the row is disabled
// (On/off == 0), in which case it produces no task for that row.
func parseRow(fields []string) (Row, bool, error) {
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < colFirstGroup+groupWidth {
		return Row{}, false, fmt.Errorf("row has %d columns, need at least %d", len(fields), colFirstGroup+groupWidth)
	}

	onOff, err := strconv.Atoi(fields[colOnOff])
	if err != nil {
		return Row{}, false, fmt.Errorf("On/off column: %w", err)
	}
	if onOff == 0 {
		return Row{}, false, nil
	}

	pumpN, err := strconv.Atoi(fields[colPump])
	if err != nil {
		return Row{}, false, fmt.Errorf("Pump column: %w", err)
	}
	if pumpN < 1 || pumpN > 99 {
		return Row{}, false, fmt.Errorf("pump id %d out of range 1..99", pumpN)
	}

	probe := wire.ProbeID(fields[colProbe])
	if _, _, err := probe.Split(); err != nil {
		return Row{}, false, err
	}

	var phases []task.Phase
	col := colFirstGroup
	for col+groupWidth <= len(fields) {
		stepCell := fields[col]
		if stepCell == "" || strings.EqualFold(stepCell, "nan") {
			break
		}
		phase, err := parsePhaseGroup(fields[col : col+groupWidth])
		if err != nil {
			return Row{}, false, fmt.Errorf("phase group at column %d: %w", col, err)
		}
		phases = append(phases, phase)
		col += groupWidth
	}
	if len(phases) == 0 {
		return Row{}, false, fmt.Errorf("row has no phases")
	}

	var notes string
	if col < len(fields) {
		notes = fields[col]
	}

	return Row{
		PumpID:  wire.PumpID(pumpN),
		ProbeID: probe,
		Phases:  phases,
		Notes:   notes,
	}, true, nil
}

func parsePhaseGroup(cells []string) (task.Phase, error) {
	stepMin, err := strconv.ParseFloat(cells[0], 64)
	if err != nil {
		return task.Phase{}, fmt.Errorf("Step: %w", err)
	}
	phStart, err := strconv.ParseFloat(cells[1], 64)
	if err != nil {
		return task.Phase{}, fmt.Errorf("pH start: %w", err)
	}
	phEnd, err := strconv.ParseFloat(cells[2], 64)
	if err != nil {
		return task.Phase{}, fmt.Errorf("pH end: %w", err)
	}
	doseUL, err := strconv.ParseFloat(cells[3], 64)
	if err != nil {
		return task.Phase{}, fmt.Errorf("Dose vol.: %w", err)
	}
	delayMin, err := strconv.ParseFloat(cells[4], 64)
	if err != nil {
		return task.Phase{}, fmt.Errorf("Force delay: %w", err)
	}
	return task.Phase{
		Duration:     time.Duration(stepMin * float64(time.Minute)),
		PHStart:      phStart,
		PHEnd:        phEnd,
		DoseVolumeUL: doseUL,
		MinimumDelay: time.Duration(delayMin * float64(time.Minute)),
	}, nil
}

func rowToTask(row Row) *task.Task {
	return &task.Task{
		PumpID:  row.PumpID,
		ProbeID: row.ProbeID,
		Phases:  row.Phases,
		Notes:   row.Notes,
	}
}
