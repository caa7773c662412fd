package unit

import "gitlab.com/gomidi/midi/v2"

// TimedMessage is a MIDI message at a sample offset within a block.
type TimedMessage struct {
	Offset  int
	Message midi.Message
}

// MIDIBuffer collects one unit's messages for a block. It is reused across
// blocks; Clear keeps the backing array.
type MIDIBuffer struct {
	events []TimedMessage
}

func NewMIDIBuffer(capacity int) *MIDIBuffer {
	return &MIDIBuffer{events: make([]TimedMessage, 0, capacity)}
}

// Add appends msg at offset. Offsets must be added in non-decreasing order;
// use Merge to interleave another buffer.
func (b *MIDIBuffer) Add(offset int, msg midi.Message) {
	b.events = append(b.events, TimedMessage{Offset: offset, Message: msg})
}

// Merge adds every event from other and restores offset order. Events with
// equal offsets keep b's events first.
func (b *MIDIBuffer) Merge(other *MIDIBuffer) {
	if other == nil || len(other.events) == 0 {
		return
	}
	start := len(b.events)
	b.events = append(b.events, other.events...)
	// Insertion sort: stable and allocation-free, and blocks carry few events.
	for i := start; i < len(b.events); i++ {
		for j := i; j > 0 && b.events[j].Offset < b.events[j-1].Offset; j-- {
			b.events[j], b.events[j-1] = b.events[j-1], b.events[j]
		}
	}
}

func (b *MIDIBuffer) Clear() {
	clear(b.events)
	b.events = b.events[:0]
}

func (b *MIDIBuffer) Len() int { return len(b.events) }

// Events returns the buffered events in offset order. The slice is only
// valid until the next Clear.
func (b *MIDIBuffer) Events() []TimedMessage { return b.events }
