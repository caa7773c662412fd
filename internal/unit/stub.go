package unit

import (
	"errors"
	"math"
	"sync"

	"gitlab.com/gomidi/midi/v2"
)

// Received is a message as seen by a Recorder, at its absolute sample.
type Received struct {
	Sample  int64
	Message midi.Message
}

// Recorder is a test unit. It logs every message it receives and writes an
// impulse of velocity/127 at the offset of each note-on, so callers can check
// sample-accurate placement in the rendered audio.
type Recorder struct {
	mu       sync.Mutex
	channels int
	received []Received
	prepared int
}

func NewRecorder(channels int) *Recorder {
	if channels <= 0 {
		channels = 2
	}
	return &Recorder{channels: channels}
}

func (r *Recorder) OutputChannels() int { return r.channels }

func (r *Recorder) Prepare(sampleRate float64, maxBlockSize int) error {
	r.mu.Lock()
	r.prepared++
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Process(pos Position, in *MIDIBuffer, out [][]float32) error {
	var ch, key, vel uint8
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range in.Events() {
		r.received = append(r.received, Received{Sample: pos.SamplePosition + int64(ev.Offset), Message: ev.Message})
		if ev.Message.GetNoteStart(&ch, &key, &vel) {
			for c := range out {
				if ev.Offset < len(out[c]) {
					out[c][ev.Offset] += float32(vel) / 127
				}
			}
		}
	}
	return nil
}

func (r *Recorder) Release() {}

// Received returns a copy of everything delivered so far.
func (r *Recorder) Received() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Received(nil), r.received...)
}

// Prepared returns how many times Prepare was called.
func (r *Recorder) Prepared() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepared
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = nil
}

// Sine is a monophonic sine voice that sounds while a note is held.
type Sine struct {
	sampleRate float64
	phase      float64
	freq       float64
	gain       float64
	note       int
}

func NewSine() *Sine { return &Sine{note: -1} }

func (s *Sine) Prepare(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	s.sampleRate = sampleRate
	s.phase = 0
	s.gain = 0
	s.note = -1
	return nil
}

func (s *Sine) Process(pos Position, in *MIDIBuffer, out [][]float32) error {
	events := in.Events()
	next := 0
	n := 0
	if len(out) > 0 {
		n = len(out[0])
	}
	var ch, key, vel, ctl, val uint8
	for i := 0; i < n; i++ {
		for next < len(events) && events[next].Offset <= i {
			msg := events[next].Message
			switch {
			case msg.GetNoteStart(&ch, &key, &vel):
				s.note = int(key)
				s.freq = 440 * math.Pow(2, float64(int(key)-69)/12)
				s.gain = float64(vel) / 127 * 0.3
			case msg.GetNoteEnd(&ch, &key):
				if int(key) == s.note {
					s.gain = 0
					s.note = -1
				}
			case msg.GetControlChange(&ch, &ctl, &val):
				if ctl == ccAllNotesOff || ctl == ccAllSoundOff {
					s.gain = 0
					s.note = -1
				}
			}
			next++
		}
		var v float32
		if s.gain > 0 {
			v = float32(math.Sin(2*math.Pi*s.phase) * s.gain)
			s.phase += s.freq / s.sampleRate
			if s.phase >= 1 {
				s.phase -= 1
			}
		}
		for c := range out {
			out[c][i] = v
		}
	}
	return nil
}

func (s *Sine) Release() {}

// Faulty fails every block, either by panicking or by returning an error.
type Faulty struct {
	Panic bool
}

func (f *Faulty) Prepare(float64, int) error { return nil }

func (f *Faulty) Process(pos Position, in *MIDIBuffer, out [][]float32) error {
	for c := range out {
		for i := range out[c] {
			out[c][i] = 1
		}
	}
	if f.Panic {
		panic("faulty unit")
	}
	return errors.New("faulty unit")
}

func (f *Faulty) Release() {}
