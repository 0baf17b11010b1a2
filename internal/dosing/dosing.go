// Package dosing implements the pump-dose controllers the scheduler runs
// once per task tick: a proportional and a PID controller kept for legacy
// runs, and the windowed-derivative controller used once adaptive pumping
// activates.
package dosing

import "math"

// Controller computes how many pump strokes to issue given a setpoint and a
// measured pH. Every implementation carries its mutable state on the
// receiver, constructed once per task. Sharing one controller instance
// across tasks would cross-contaminate vessels.
type Controller interface {
	Step(setpoint, measured float64) int
}

func clampRound(v float64) int {
	r := math.Round(v)
	if r < -50 {
		r = -50
	}
	if r > 50 {
		r = 50
	}
	return int(r)
}

// Proportional is the legacy single-gain controller.
type Proportional struct {
	Gain float64
}

// NewProportional returns a Proportional controller with the given gain.
func NewProportional(gain float64) *Proportional {
	return &Proportional{Gain: gain}
}

// Step implements Controller.
func (c *Proportional) Step(setpoint, measured float64) int {
	return clampRound(c.Gain * (setpoint - measured))
}

// PID is the legacy three-term controller, kept for legacy runs.
type PID struct {
	Kp, Ki, Kd float64

	integral float64
	prevErr  float64
	hasPrev  bool
}

// NewPID returns a PID controller with zeroed integral/derivative state.
func NewPID(kp, ki, kd float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd}
}

// Step implements Controller.
func (c *PID) Step(setpoint, measured float64) int {
	err := setpoint - measured
	c.integral += err

	var deriv float64
	if c.hasPrev {
		deriv = err - c.prevErr
	}
	c.prevErr = err
	c.hasPrev = true

	raw := c.Kp*err + c.Ki*c.integral + c.Kd*deriv
	return clampRound(raw)
}

const ringSize = 5

// deltaMax is the per-tick pH-units-per-tick constant the windowed
// controller compares ring-buffer movement against.
const deltaMax = 0.01

// WindowedDerivative is the default adaptive-mode controller: it pumps
// harder when the vessel is far from setpoint or rising too slowly, and
// backs off sharply on overshoot.
type WindowedDerivative struct {
	ring     [ringSize]float64
	seeded   bool
	lastDose int
}

// NewWindowedDerivative returns a zeroed windowed-derivative controller;
// its ring seeds itself from the first measurement it sees.
func NewWindowedDerivative() *WindowedDerivative {
	return &WindowedDerivative{}
}

// Step implements Controller.
func (c *WindowedDerivative) Step(setpoint, measured float64) int {
	if !c.seeded {
		for i := range c.ring {
			c.ring[i] = measured
		}
		c.seeded = true
	}

	oldest := c.ring[0]
	newest := c.ring[ringSize-1]
	delta := measured - oldest
	deltaR := newest - oldest

	if measured < setpoint {
		if (delta < deltaMax || setpoint-measured > 0.5) && deltaR < 5*deltaMax {
			c.lastDose++
		} else if c.lastDose > 0 && deltaR >= 5*deltaMax {
			c.lastDose--
		}
	} else {
		// The scenario this is seeded from treats a measured-setpoint gap
		// of exactly 5*deltaMax as "exceeded", so this compares >= rather
		// than the stricter > a literal reading of the rule would suggest.
		// A 1e-9 tolerance keeps that boundary when float subtraction lands
		// just below it (7.05-7.0 evaluates to 0.04999...).
		if measured-setpoint >= 5*deltaMax-1e-9 {
			c.lastDose = int(math.Floor(float64(c.lastDose) / 2))
		} else {
			c.lastDose--
		}
		if c.lastDose < 0 {
			c.lastDose = 0
		}
	}

	copy(c.ring[:], c.ring[1:])
	c.ring[ringSize-1] = measured

	return c.lastDose
}
