// Package synth is a small polyphonic pulse/triangle/noise voice engine that
// plays MIDI, so the host can make sound without any external plugin.
package synth

import (
	"errors"
	"math"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/lfo"
	"github.com/cbegin/stemhost-go/internal/unit"
)

const twoPi = math.Pi * 2

type Params struct {
	Voices       int
	MasterGain   float64
	AttackSec    float64
	DecaySec     float64
	SustainLvl   float64
	ReleaseSec   float64
	PulseDutyA   float64
	PulseDutyB   float64
	VelocityAmp  float64
	LPFCutoff    float64   // lowpass cutoff in Hz (0 = disabled)
	VibratoHz    float64   // mod wheel vibrato rate
	VibratoMax   float64   // vibrato depth in semitones at full mod wheel
	VibratoShape lfo.Shape // vibrato waveform
	BendRange    float64   // pitch bend range in semitones
	Wave         Wave      // waveform for program 0 on every channel
}

func DefaultParams() Params {
	return Params{
		Voices:       12,
		MasterGain:   0.28,
		AttackSec:    0.005,
		DecaySec:     0.15,
		SustainLvl:   0.65,
		ReleaseSec:   0.20,
		PulseDutyA:   0.125,
		PulseDutyB:   0.25,
		VelocityAmp:  0.85,
		LPFCutoff:    12000,
		VibratoHz:    5.5,
		VibratoMax:   0.5,
		VibratoShape: lfo.Sine,
		BendRange:    2,
		Wave:         WavePulseA,
	}
}

type Wave int

const (
	WavePulseA Wave = iota
	WavePulseB
	WaveTriangle
	WaveNoise
)

// ParseWave maps a config name to a waveform.
func ParseWave(name string) (Wave, error) {
	switch name {
	case "", "pulse", "pulse-a":
		return WavePulseA, nil
	case "pulse-b":
		return WavePulseB, nil
	case "triangle":
		return WaveTriangle, nil
	case "noise":
		return WaveNoise, nil
	default:
		return WavePulseA, errors.New("unknown waveform " + name)
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active    bool
	channel   uint8
	key       uint8
	age       int
	wave      Wave
	freq      float64
	phase     float64
	velocity  float64
	env       float64
	envState  envState
	noiseLFSR uint16
}

type channelState struct {
	volume  float64 // CC 7, 0..1
	pan     float64 // CC 10, -64..63
	mod     float64 // CC 1, 0..1
	bend    float64 // semitones
	program uint8
}

// Engine is a polyphonic voice engine implementing unit.Unit.
type Engine struct {
	params     Params
	sampleRate float64
	voices     []voice
	channels   [16]channelState
	masterGain atomic.Uint64
	dcPrevInL  float64
	dcPrevOutL float64
	dcPrevInR  float64
	dcPrevOutR float64
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
	vibrato    lfo.LFO
}

func New(params Params) *Engine {
	if params.Voices <= 0 {
		params.Voices = 12
	}
	e := &Engine{
		params:  params,
		voices:  make([]voice, params.Voices),
		vibrato: lfo.New(params.VibratoShape, params.VibratoHz),
	}
	e.SetMasterGain(params.MasterGain)
	return e
}

// Prepare resets all voices and filters for a new sample rate. Rendering the
// same MIDI after Prepare is deterministic.
func (e *Engine) Prepare(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	e.sampleRate = sampleRate
	for i := range e.voices {
		e.voices[i] = voice{noiseLFSR: uint16(0xACE1 + i*97)}
	}
	for i := range e.channels {
		e.channels[i] = channelState{volume: 1}
	}
	e.dcPrevInL, e.dcPrevOutL, e.dcPrevInR, e.dcPrevOutR = 0, 0, 0, 0
	e.lpfL, e.lpfR = 0, 0
	e.vibrato.Prepare(sampleRate)
	e.lpfAlpha = 0
	if e.params.LPFCutoff > 0 && e.params.LPFCutoff < sampleRate/2 {
		rc := 1.0 / (twoPi * e.params.LPFCutoff)
		dt := 1.0 / sampleRate
		e.lpfAlpha = dt / (rc + dt)
	}
	return nil
}

func (e *Engine) Release() {
	for i := range e.voices {
		e.voices[i].active = false
	}
}

// Process applies each message at its offset and renders the block.
func (e *Engine) Process(pos unit.Position, in *unit.MIDIBuffer, out [][]float32) error {
	if e.sampleRate <= 0 {
		return errors.New("synth not prepared")
	}
	if len(out) == 0 {
		return nil
	}
	n := len(out[0])
	events := in.Events()
	next := 0
	for i := 0; i < n; i++ {
		for next < len(events) && events[next].Offset <= i {
			e.handle(events[next].Message)
			next++
		}
		l, r := e.renderFrame()
		out[0][i] = l
		if len(out) > 1 {
			out[1][i] = r
		}
		for c := 2; c < len(out); c++ {
			out[c][i] = 0
		}
	}
	// Offsets past the block end still apply so no note-off is lost.
	for ; next < len(events); next++ {
		e.handle(events[next].Message)
	}
	return nil
}

func (e *Engine) handle(msg midi.Message) {
	var ch, key, vel, ctl, val, prog uint8
	var rel int16
	var abs uint16
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		e.noteOn(ch, key, vel)
	case msg.GetNoteEnd(&ch, &key):
		e.noteOff(ch, key)
	case msg.GetControlChange(&ch, &ctl, &val):
		e.controlChange(ch, ctl, val)
	case msg.GetProgramChange(&ch, &prog):
		e.channels[ch&0x0F].program = prog
	case msg.GetPitchBend(&ch, &rel, &abs):
		e.channels[ch&0x0F].bend = float64(rel) / 8192 * e.params.BendRange
	}
}

func (e *Engine) controlChange(ch, ctl, val uint8) {
	cs := &e.channels[ch&0x0F]
	switch ctl {
	case 1:
		cs.mod = float64(val) / 127
	case 7:
		cs.volume = float64(val) / 127
	case 10:
		cs.pan = float64(val) - 64
	case 120: // all sound off
		for i := range e.voices {
			if e.voices[i].channel == ch {
				e.voices[i].active = false
				e.voices[i].envState = envOff
				e.voices[i].env = 0
			}
		}
	case 123: // all notes off
		for i := range e.voices {
			v := &e.voices[i]
			if v.active && v.channel == ch && v.envState != envRelease {
				v.envState = envRelease
			}
		}
	}
}

func (e *Engine) noteOn(ch, key, vel uint8) {
	slot := e.stealVoice()
	v := &e.voices[slot]
	lfsr := v.noiseLFSR
	if lfsr == 0 {
		lfsr = 0xACE1
	}
	*v = voice{
		active:    true,
		channel:   ch,
		key:       key,
		wave:      e.waveFor(ch),
		freq:      midiToFreq(int(key)),
		velocity:  clamp(float64(vel)/127.0, 0, 1),
		envState:  envAttack,
		noiseLFSR: lfsr,
	}
}

func (e *Engine) noteOff(ch, key uint8) {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.channel == ch && v.key == key && v.envState != envRelease {
			v.envState = envRelease
		}
	}
}

// waveFor picks the waveform from the channel's program.
// Program ranges: 0-31 = configured wave, 32-63 = pulseB, 64-95 = triangle,
// 96+ = noise. Channel 10 is always noise.
func (e *Engine) waveFor(ch uint8) Wave {
	if ch == 9 {
		return WaveNoise
	}
	program := e.channels[ch&0x0F].program
	switch {
	case program >= 96:
		return WaveNoise
	case program >= 64:
		return WaveTriangle
	case program >= 32:
		return WavePulseB
	default:
		return e.params.Wave
	}
}

func (e *Engine) renderFrame() (float32, float32) {
	vib := e.vibrato.Next()

	gain := e.masterGainValue()
	var l, r float64
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		v.age++
		env := e.advanceEnv(v)
		if !v.active {
			continue
		}
		cs := &e.channels[v.channel&0x0F]
		semis := cs.bend + vib*cs.mod*e.params.VibratoMax
		freq := v.freq
		if semis != 0 {
			freq *= math.Pow(2, semis/12.0)
		}
		sample := e.renderWave(v, freq)
		level := env * (0.15 + v.velocity*e.params.VelocityAmp) * cs.volume
		sig := sample * level * gain
		angle := ((clamp(cs.pan, -64, 64) + 64.0) / 128.0) * (math.Pi / 2.0)
		l += sig * math.Cos(angle)
		r += sig * math.Sin(angle)
	}
	l = e.dcBlockL(l)
	r = e.dcBlockR(r)
	if e.lpfAlpha > 0 {
		e.lpfL += e.lpfAlpha * (l - e.lpfL)
		e.lpfR += e.lpfAlpha * (r - e.lpfR)
		l, r = e.lpfL, e.lpfR
	}
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

func (e *Engine) dcBlockL(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInL + r*e.dcPrevOutL
	e.dcPrevInL = x
	e.dcPrevOutL = y
	return y
}

func (e *Engine) dcBlockR(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInR + r*e.dcPrevOutR
	e.dcPrevInR = x
	e.dcPrevOutR = y
	return y
}

// polyBLEP reduces aliasing at waveform discontinuities.
// t is the phase position [0,1), dt is the phase increment per sample.
func polyBLEP(t, dt float64) float64 {
	if t < dt {
		t /= dt
		return t + t - t*t - 1
	}
	if t > 1-dt {
		t = (t - 1) / dt
		return t*t + t + t + 1
	}
	return 0
}

func (e *Engine) renderWave(v *voice, freq float64) float64 {
	dt := freq / e.sampleRate
	v.phase += dt
	if v.phase >= 1 {
		v.phase -= 1
	}
	switch v.wave {
	case WavePulseA, WavePulseB:
		duty := e.params.PulseDutyA
		if v.wave == WavePulseB {
			duty = e.params.PulseDutyB
		}
		out := -1.0
		if v.phase < duty {
			out = 1
		}
		out += polyBLEP(v.phase, dt)
		out -= polyBLEP(math.Mod(v.phase-duty+1, 1), dt)
		return out
	case WaveTriangle:
		return 2*math.Abs(2*v.phase-1) - 1
	case WaveNoise:
		if v.phase < dt {
			bit := (v.noiseLFSR ^ (v.noiseLFSR >> 1)) & 1
			v.noiseLFSR = (v.noiseLFSR >> 1) | (bit << 15)
		}
		if v.noiseLFSR&1 == 1 {
			return 1
		}
		return -1
	default:
		return 0
	}
}

func (e *Engine) stealVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	// Steal the oldest releasing voice, or failing that the oldest active voice.
	oldestRelease := -1
	oldestReleaseAge := -1
	oldestActive := 0
	oldestActiveAge := -1
	for i := range e.voices {
		v := &e.voices[i]
		if v.envState == envRelease && v.age > oldestReleaseAge {
			oldestRelease = i
			oldestReleaseAge = v.age
		}
		if v.age > oldestActiveAge {
			oldestActive = i
			oldestActiveAge = v.age
		}
	}
	if oldestRelease >= 0 {
		return oldestRelease
	}
	return oldestActive
}

func (e *Engine) advanceEnv(v *voice) float64 {
	switch v.envState {
	case envAttack:
		step := 1.0 / (e.params.AttackSec * e.sampleRate)
		if step <= 0 || math.IsInf(step, 0) {
			step = 1
		}
		v.env += step
		if v.env >= 1 {
			v.env = 1
			v.envState = envDecay
		}
	case envDecay:
		step := (1 - e.params.SustainLvl) / (e.params.DecaySec * e.sampleRate)
		if step <= 0 || math.IsInf(step, 0) {
			step = 1
		}
		v.env -= step
		if v.env <= e.params.SustainLvl {
			v.env = e.params.SustainLvl
			v.envState = envSustain
		}
	case envSustain:
	case envRelease:
		step := e.params.SustainLvl / (e.params.ReleaseSec * e.sampleRate)
		if step <= 0 || math.IsInf(step, 0) {
			step = 1
		}
		v.env -= step
		if v.env <= 0.0001 {
			v.env = 0
			v.envState = envOff
			v.active = false
		}
	case envOff:
		v.active = false
		v.env = 0
	}
	return v.env
}

func midiToFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetMasterGain can be called from any goroutine.
func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	e.masterGain.Store(math.Float64bits(gain))
}

func (e *Engine) masterGainValue() float64 {
	return math.Float64frombits(e.masterGain.Load())
}

// ActiveVoiceCount returns the number of voices still sounding, including
// release tails. Call it from the goroutine driving Process.
func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}
