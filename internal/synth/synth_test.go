package synth

import (
	"math"
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/lfo"
	"github.com/cbegin/stemhost-go/internal/unit"
)

func block(n int) [][]float32 {
	return [][]float32{make([]float32, n), make([]float32, n)}
}

func energy(buf []float32) float64 {
	var e float64
	for _, s := range buf {
		e += math.Abs(float64(s))
	}
	return e
}

func TestEngineGeneratesSignal(t *testing.T) {
	e := New(DefaultParams())
	if err := e.Prepare(48000, 512); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	in := unit.NewMIDIBuffer(4)
	in.Add(0, midi.NoteOn(0, 60, 100))
	out := block(2048)
	if err := e.Process(unit.Position{}, in, out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if energy(out[0]) == 0 {
		t.Fatalf("expected non-zero output")
	}
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("active voices = %d, want 1", e.ActiveVoiceCount())
	}
}

func TestEngineRequiresPrepare(t *testing.T) {
	e := New(DefaultParams())
	if err := e.Process(unit.Position{}, unit.NewMIDIBuffer(0), block(8)); err == nil {
		t.Fatalf("expected error before Prepare")
	}
	if err := e.Prepare(0, 8); err == nil {
		t.Fatalf("expected error for zero sample rate")
	}
}

func TestPanExtremesBiasChannels(t *testing.T) {
	e := New(DefaultParams())
	_ = e.Prepare(48000, 4096)
	in := unit.NewMIDIBuffer(4)
	in.Add(0, midi.ControlChange(0, 10, 0))
	in.Add(0, midi.NoteOn(0, 60, 127))
	out := block(4096)
	_ = e.Process(unit.Position{}, in, out)
	if l, r := energy(out[0]), energy(out[1]); l <= r {
		t.Fatalf("expected left-biased signal, left=%f right=%f", l, r)
	}
}

func TestAllSoundOffSilencesImmediately(t *testing.T) {
	e := New(DefaultParams())
	_ = e.Prepare(48000, 1024)
	in := unit.NewMIDIBuffer(40)
	in.Add(0, midi.NoteOn(3, 64, 100))
	_ = e.Process(unit.Position{}, in, block(1024))

	in.Clear()
	for _, m := range unit.SilenceMessages() {
		in.Add(0, m)
	}
	_ = e.Process(unit.Position{}, in, block(1024))
	if n := e.ActiveVoiceCount(); n != 0 {
		t.Fatalf("expected all voices stopped, got %d", n)
	}
}

func TestNoteOffReleasesVoice(t *testing.T) {
	p := DefaultParams()
	p.ReleaseSec = 0.01
	e := New(p)
	_ = e.Prepare(48000, 4800)
	in := unit.NewMIDIBuffer(4)
	in.Add(0, midi.NoteOn(0, 60, 100))
	in.Add(100, midi.NoteOff(0, 60))
	_ = e.Process(unit.Position{}, in, block(4800))
	if n := e.ActiveVoiceCount(); n != 0 {
		t.Fatalf("expected released voice to finish, got %d active", n)
	}
}

func TestPrepareMakesRenderingDeterministic(t *testing.T) {
	e := New(DefaultParams())
	render := func() []float32 {
		_ = e.Prepare(44100, 1024)
		in := unit.NewMIDIBuffer(4)
		in.Add(10, midi.NoteOn(9, 38, 110))
		in.Add(20, midi.NoteOn(0, 67, 90))
		out := block(1024)
		_ = e.Process(unit.Position{}, in, out)
		return out[0]
	}
	a := append([]float32(nil), render()...)
	b := render()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestVoiceStealingBoundsPolyphony(t *testing.T) {
	p := DefaultParams()
	p.Voices = 4
	e := New(p)
	_ = e.Prepare(48000, 64)
	in := unit.NewMIDIBuffer(16)
	for k := uint8(60); k < 70; k++ {
		in.Add(0, midi.NoteOn(0, k, 100))
	}
	_ = e.Process(unit.Position{}, in, block(64))
	if n := e.ActiveVoiceCount(); n != 4 {
		t.Fatalf("active voices = %d, want 4", n)
	}
}

func TestParseWave(t *testing.T) {
	for name, want := range map[string]Wave{"": WavePulseA, "pulse-b": WavePulseB, "triangle": WaveTriangle, "noise": WaveNoise} {
		got, err := ParseWave(name)
		if err != nil || got != want {
			t.Fatalf("ParseWave(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseWave("saw"); err == nil {
		t.Fatalf("expected error for unknown wave")
	}
}

func TestModWheelAppliesVibrato(t *testing.T) {
	play := func(shape lfo.Shape, mod uint8) []float32 {
		p := DefaultParams()
		p.Wave = WaveTriangle
		p.VibratoShape = shape
		e := New(p)
		_ = e.Prepare(48000, 9600)
		in := unit.NewMIDIBuffer(4)
		in.Add(0, midi.ControlChange(0, 1, mod))
		in.Add(0, midi.NoteOn(0, 69, 100))
		out := block(9600)
		_ = e.Process(unit.Position{}, in, out)
		return out[0]
	}
	dry := play(lfo.Sine, 0)
	if diff(dry, play(lfo.Square, 0)) != 0 {
		t.Fatalf("vibrato shape changed output with the mod wheel down")
	}
	sine := play(lfo.Sine, 127)
	if diff(dry, sine) == 0 {
		t.Fatalf("mod wheel did not change output")
	}
	if diff(sine, play(lfo.Square, 127)) == 0 {
		t.Fatalf("vibrato shape had no effect")
	}
}

func diff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d += math.Abs(float64(a[i] - b[i]))
	}
	return d
}
