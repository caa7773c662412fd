// Package lfo provides the low-frequency oscillators the built-in units use
// for vibrato and tremolo.
package lfo

import (
	"fmt"
	"math"
)

const twoPi = math.Pi * 2

type Shape int

const (
	Sine Shape = iota
	Triangle
	Square
	Saw
	SampleHold
)

var shapeNames = map[string]Shape{
	"":            Sine,
	"sine":        Sine,
	"triangle":    Triangle,
	"square":      Square,
	"saw":         Saw,
	"sample-hold": SampleHold,
	"random":      SampleHold,
}

// ParseShape maps a config name to a shape. The empty name is Sine.
func ParseShape(name string) (Shape, error) {
	s, ok := shapeNames[name]
	if !ok {
		return Sine, fmt.Errorf("unknown lfo shape %q", name)
	}
	return s, nil
}

func (s Shape) String() string {
	switch s {
	case Triangle:
		return "triangle"
	case Square:
		return "square"
	case Saw:
		return "saw"
	case SampleHold:
		return "sample-hold"
	default:
		return "sine"
	}
}

// LFO is a free-running unit-amplitude oscillator. Callers scale its output
// by their own depth, so one LFO can be shared by every voice of a unit.
// It is not safe for concurrent use.
type LFO struct {
	shape  Shape
	rateHz float64
	inc    float64
	phase  float64
	held   float64
	seed   uint32
}

func New(shape Shape, rateHz float64) LFO {
	return LFO{shape: shape, rateHz: rateHz, seed: seedFor(shape)}
}

func seedFor(s Shape) uint32 { return 0x9E3779B9 ^ uint32(s) }

// Prepare sets the sample rate and restarts the cycle, so a render after
// Prepare modulates identically every time.
func (l *LFO) Prepare(sampleRate float64) {
	l.inc = 0
	if sampleRate > 0 {
		l.inc = l.rateHz / sampleRate
	}
	l.Reset()
}

func (l *LFO) Reset() {
	l.phase = 0
	l.seed = seedFor(l.shape)
	l.held = 0
}

func (l *LFO) Active() bool { return l.inc > 0 }

// Next returns the value at the current phase in [-1, 1] and advances one
// sample. An unprepared or zero-rate LFO returns 0.
func (l *LFO) Next() float64 {
	if l.inc <= 0 {
		return 0
	}
	var v float64
	switch l.shape {
	case Triangle:
		if l.phase < 0.5 {
			v = 4*l.phase - 1
		} else {
			v = 3 - 4*l.phase
		}
	case Square:
		v = -1
		if l.phase < 0.5 {
			v = 1
		}
	case Saw:
		v = 1 - 2*l.phase
	case SampleHold:
		v = l.held
	default:
		v = math.Sin(twoPi * l.phase)
	}
	l.phase += l.inc
	if l.phase >= 1 {
		l.phase -= math.Floor(l.phase)
		if l.shape == SampleHold {
			l.held = l.nextRandom()
		}
	}
	return v
}

// nextRandom is a xorshift step mapped to [-1, 1).
func (l *LFO) nextRandom() float64 {
	x := l.seed
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	l.seed = x
	return float64(x)/float64(1<<31) - 1
}
