package unit

import (
	"gitlab.com/gomidi/midi/v2"
)

// Position is the transport snapshot handed to every unit for one block.
// All units processing the same block see the same value.
type Position struct {
	BPM            float64
	SamplePosition int64
	Seconds        float64
	PPQ            float64
	Playing        bool
	SampleRate     float64
	BlockSize      int
}

// NewPosition derives seconds and PPQ from a sample position.
func NewPosition(samplePos int64, sampleRate, bpm float64, blockSize int, playing bool) Position {
	p := Position{
		BPM:            bpm,
		SamplePosition: samplePos,
		Playing:        playing,
		SampleRate:     sampleRate,
		BlockSize:      blockSize,
	}
	if sampleRate > 0 {
		p.Seconds = float64(samplePos) / sampleRate
		p.PPQ = float64(samplePos) * (bpm / 60) / sampleRate
	}
	return p
}

// Unit is an audio-generating component driven once per block.
//
// Process receives the block's MIDI with offsets in [0, len(out[c])) and must
// fill out. Returning an error or panicking silences the unit for the block;
// the engine carries on with the other units.
type Unit interface {
	Prepare(sampleRate float64, maxBlockSize int) error
	Process(pos Position, in *MIDIBuffer, out [][]float32) error
	Release()
}

// ChannelCounter is implemented by units whose output is not stereo.
type ChannelCounter interface {
	OutputChannels() int
}

// OutputChannels returns the number of output channels u renders.
func OutputChannels(u Unit) int {
	if cc, ok := u.(ChannelCounter); ok && cc.OutputChannels() > 0 {
		return cc.OutputChannels()
	}
	return 2
}

const (
	ccAllSoundOff = 120
	ccAllNotesOff = 123
)

// silence holds all-sound-off and all-notes-off on every channel, built once
// so the audio goroutine never allocates them.
var silence = func() []midi.Message {
	out := make([]midi.Message, 0, 32)
	for ch := uint8(0); ch < 16; ch++ {
		out = append(out, midi.ControlChange(ch, ccAllSoundOff, 0))
		out = append(out, midi.ControlChange(ch, ccAllNotesOff, 0))
	}
	return out
}()

// SilenceMessages returns the shared all-sound-off/all-notes-off sequence.
// Callers must not modify it.
func SilenceMessages() []midi.Message {
	return silence
}

// IsSilence reports whether msg is an all-sound-off or all-notes-off.
func IsSilence(msg midi.Message) bool {
	var ch, ctl, val uint8
	if !msg.GetControlChange(&ch, &ctl, &val) {
		return false
	}
	return ctl == ccAllSoundOff || ctl == ccAllNotesOff
}
