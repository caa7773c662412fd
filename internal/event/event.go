package event

import (
	"math"

	"gitlab.com/gomidi/midi/v2"
)

// Tagged is a MIDI message addressed to one unit and stamped with the
// producer's timestamp in milliseconds since the sync epoch.
type Tagged struct {
	UnitID      string
	Message     midi.Message
	TimestampMs int64
}

// Immediate reports whether the event should be delivered at the start of
// the next block regardless of the transport position.
func (t Tagged) Immediate() bool {
	return t.TimestampMs <= 0
}

// SampleAt converts a millisecond timestamp to an absolute sample position.
func SampleAt(timestampMs int64, sampleRate float64) int64 {
	return int64(math.Round(float64(timestampMs) / 1000 * sampleRate))
}

// Offset returns the event's sample offset relative to samplePosition.
func Offset(timestampMs int64, sampleRate float64, samplePosition int64) int64 {
	return SampleAt(timestampMs, sampleRate) - samplePosition
}

// Delivery is an event resolved to a sample offset inside one block.
type Delivery struct {
	Event  Tagged
	Offset int
	// Late is set for timestamped events whose position was already behind
	// the block start. They still land at offset 0.
	Late     bool
	Lateness int64
}

// ClampOffset pins an in-window offset to [0, n-1].
func ClampOffset(offset int64, n int) int {
	if offset < 0 || n <= 0 {
		return 0
	}
	if offset > int64(n-1) {
		return n - 1
	}
	return int(offset)
}
