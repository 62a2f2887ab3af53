package nn

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// ErrBadSchedule reports a schedule whose parameters would never produce a
// usable learning rate.
var ErrBadSchedule = errors.New("invalid learning-rate schedule")

// ExpDecay decays a learning rate by a fixed final factor over MaxSteps,
// anchored behind a warm-up offset:
//
//	lr(t) = LRInit * FinalFactor^clamp((t-WarmUp)/MaxSteps, 0, 1)
type ExpDecay struct {
	LRInit      float32
	FinalFactor float32
	WarmUp      int
	MaxSteps    int
}

// NewExpDecay validates the schedule at setup time rather than deferring to
// a division by zero at the first evaluation.
func NewExpDecay(lrInit, finalFactor float32, warmUp, maxSteps int) (*ExpDecay, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("%w: max steps %d", ErrBadSchedule, maxSteps)
	}
	if lrInit <= 0 || finalFactor <= 0 {
		return nil, fmt.Errorf("%w: lr %g, final factor %g", ErrBadSchedule, lrInit, finalFactor)
	}
	if warmUp < 0 {
		return nil, fmt.Errorf("%w: warm up %d", ErrBadSchedule, warmUp)
	}
	return &ExpDecay{LRInit: lrInit, FinalFactor: finalFactor, WarmUp: warmUp, MaxSteps: maxSteps}, nil
}

// LR returns the learning rate at the given step.
func (s *ExpDecay) LR(step int) float32 {
	offset := step - s.WarmUp
	if offset < 0 {
		offset = 0
	}
	t := float32(offset) / float32(s.MaxSteps)
	if t > 1 {
		t = 1
	}
	return s.LRInit * math32.Pow(s.FinalFactor, t)
}

// ExponLR interpolates log-linearly between an initial and a final learning
// rate, the schedule gaussian positions use.
type ExponLR struct {
	LRInit   float32
	LRFinal  float32
	MaxSteps int
}

// NewExponLR validates the position schedule at setup time.
func NewExponLR(lrInit, lrFinal float32, maxSteps int) (*ExponLR, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("%w: max steps %d", ErrBadSchedule, maxSteps)
	}
	if lrInit <= 0 || lrFinal <= 0 {
		return nil, fmt.Errorf("%w: lr init %g, lr final %g", ErrBadSchedule, lrInit, lrFinal)
	}
	return &ExponLR{LRInit: lrInit, LRFinal: lrFinal, MaxSteps: maxSteps}, nil
}

// LR returns the learning rate at the given step.
func (s *ExponLR) LR(step int) float32 {
	t := float32(step) / float32(s.MaxSteps)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	logLR := (1-t)*math32.Log(s.LRInit) + t*math32.Log(s.LRFinal)
	return math32.Exp(logLR)
}
