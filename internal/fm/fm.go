// Package fm is a MIDI-driven two- or four-operator FM voice engine.
package fm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/lfo"
	"github.com/cbegin/stemhost-go/internal/unit"
)

const twoPi = math.Pi * 2

// Operator topologies. With two operators, algorithm 0 is op1 -> op0 and 1
// sums both. With four:
//
//	0  op3 -> op2 -> op1 -> op0
//	1  (op2 + op3) -> op1 -> op0
//	2  op1 -> op0, op3 -> op2
//	3  op3 -> op2 -> op1, op0
//	4  op0 + op1 + op2 + op3
//
// Feedback applies to op1 (two operators) or op3 (four) while that operator
// is a modulator.
var algorithms = map[int]int{2: 2, 4: 5}

type Params struct {
	Voices       int
	Operators    int // 2 or 4
	Algorithm    int
	CarrierMul   float64
	ModMul       float64 // ratio of op1; op2 and op3 run at 3x and 4x
	ModIndex     float64
	Feedback     float64 // 0..1
	AttackSec    float64
	DecaySec     float64
	SustainLvl   float64
	ReleaseSec   float64
	MasterGain   float64
	VelocityAmp  float64
	LPFCutoff    float64 // lowpass cutoff in Hz (0 = disabled)
	VibratoHz    float64 // mod wheel vibrato rate
	VibratoMax   float64 // semitones at full mod wheel
	VibratoShape lfo.Shape
	TremoloHz    float64 // CC 92 tremolo rate
	TremoloDepth float64 // gain reduction at full CC 92, 0..1
	BendRange    float64
}

func DefaultParams() Params {
	return Params{
		Voices:       16,
		Operators:    2,
		CarrierMul:   1.0,
		ModMul:       2.0,
		ModIndex:     1.6,
		AttackSec:    0.005,
		DecaySec:     0.12,
		SustainLvl:   0.75,
		ReleaseSec:   0.2,
		MasterGain:   0.35,
		VelocityAmp:  0.8,
		LPFCutoff:    12000,
		VibratoHz:    5.5,
		VibratoMax:   0.5,
		VibratoShape: lfo.Sine,
		TremoloHz:    6,
		TremoloDepth: 0.5,
		BendRange:    2,
	}
}

func (p Params) Validate() error {
	n, ok := algorithms[p.Operators]
	if !ok {
		return fmt.Errorf("fm: %d operators, want 2 or 4", p.Operators)
	}
	if p.Algorithm < 0 || p.Algorithm >= n {
		return fmt.Errorf("fm: algorithm %d out of range 0..%d for %d operators", p.Algorithm, n-1, p.Operators)
	}
	return nil
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type operator struct {
	phase    float64
	env      float64
	envState envState
	mul      float64
	prevOut  float64
}

type voice struct {
	active   bool
	channel  uint8
	key      uint8
	velocity float64
	freq     float64
	waveform int
	ops      [4]operator
}

type channelState struct {
	volume  float64 // CC 7
	pan     float64 // CC 10, -64..63
	mod     float64 // CC 1
	tremolo float64 // CC 92
	bend    float64 // semitones
	program uint8
}

// Engine implements unit.Unit. Program changes pick the carrier waveform
// (program mod 8: sine, saw, triangle, square, 25% pulse, 12.5% pulse,
// half sine, noise).
type Engine struct {
	params     Params
	sampleRate float64
	voices     []voice
	channels   [16]channelState
	masterGain atomic.Uint64
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
	vibrato    lfo.LFO
	tremolo    lfo.LFO
	noise      uint32
}

func New(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Voices <= 0 {
		params.Voices = 16
	}
	e := &Engine{
		params:  params,
		voices:  make([]voice, params.Voices),
		vibrato: lfo.New(params.VibratoShape, params.VibratoHz),
		tremolo: lfo.New(lfo.Sine, params.TremoloHz),
	}
	e.SetMasterGain(params.MasterGain)
	return e, nil
}

func (e *Engine) Prepare(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	e.sampleRate = sampleRate
	for i := range e.voices {
		e.voices[i] = voice{}
	}
	for i := range e.channels {
		e.channels[i] = channelState{volume: 1}
	}
	e.lpfL, e.lpfR = 0, 0
	e.lpfAlpha = 0
	if e.params.LPFCutoff > 0 && e.params.LPFCutoff < sampleRate/2 {
		rc := 1.0 / (twoPi * e.params.LPFCutoff)
		dt := 1.0 / sampleRate
		e.lpfAlpha = dt / (rc + dt)
	}
	e.vibrato.Prepare(sampleRate)
	e.tremolo.Prepare(sampleRate)
	e.noise = 0x7FFF
	return nil
}

func (e *Engine) Release() {
	for i := range e.voices {
		e.voices[i].active = false
	}
}

func (e *Engine) Process(pos unit.Position, in *unit.MIDIBuffer, out [][]float32) error {
	if e.sampleRate <= 0 {
		return errors.New("fm not prepared")
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
	case 92:
		cs.tremolo = float64(val) / 127
	case 120: // all sound off
		for i := range e.voices {
			if e.voices[i].channel == ch {
				e.voices[i] = voice{}
			}
		}
	case 123: // all notes off
		for i := range e.voices {
			if v := &e.voices[i]; v.active && v.channel == ch {
				release(v, e.params.Operators)
			}
		}
	}
}

func (e *Engine) noteOn(ch, key, vel uint8) {
	v := &e.voices[e.stealVoice()]
	muls := [4]float64{e.params.CarrierMul, e.params.ModMul, 3, 4}
	*v = voice{
		active:   true,
		channel:  ch,
		key:      key,
		velocity: clamp(float64(vel)/127, 0, 1),
		freq:     440 * math.Pow(2, float64(int(key)-69)/12),
		waveform: int(e.channels[ch&0x0F].program % 8),
	}
	for oi := 0; oi < e.params.Operators; oi++ {
		v.ops[oi] = operator{envState: envAttack, mul: muls[oi]}
	}
}

func (e *Engine) noteOff(ch, key uint8) {
	for i := range e.voices {
		if v := &e.voices[i]; v.active && v.channel == ch && v.key == key {
			release(v, e.params.Operators)
		}
	}
}

func release(v *voice, n int) {
	for oi := 0; oi < n; oi++ {
		if v.ops[oi].envState != envOff {
			v.ops[oi].envState = envRelease
		}
	}
}

func (e *Engine) renderFrame() (float32, float32) {
	vib := e.vibrato.Next()
	trem := e.tremolo.Next()
	gain := e.masterGainValue()
	n := e.params.Operators

	var l, r float64
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		sounding := false
		for oi := 0; oi < n; oi++ {
			e.advanceEnv(&v.ops[oi])
			if v.ops[oi].envState != envOff {
				sounding = true
			}
		}
		if !sounding {
			v.active = false
			continue
		}
		cs := &e.channels[v.channel&0x0F]
		sig := e.operate(v)
		amp := 1 - cs.tremolo*e.params.TremoloDepth*(0.5-0.5*trem)
		sig *= gain * amp * cs.volume * (0.2 + v.velocity*e.params.VelocityAmp)
		angle := ((clamp(cs.pan, -64, 64) + 64) / 128) * (math.Pi / 2)
		l += sig * math.Cos(angle)
		r += sig * math.Sin(angle)

		freq := v.freq
		if semis := cs.bend + vib*cs.mod*e.params.VibratoMax; semis != 0 {
			freq *= math.Pow(2, semis/12)
		}
		for oi := 0; oi < n; oi++ {
			op := &v.ops[oi]
			op.phase += twoPi * freq * op.mul / e.sampleRate
			if op.phase >= twoPi {
				op.phase -= twoPi
			}
		}
	}
	if e.lpfAlpha > 0 {
		e.lpfL += e.lpfAlpha * (l - e.lpfL)
		e.lpfR += e.lpfAlpha * (r - e.lpfR)
		l, r = e.lpfL, e.lpfR
	}
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

// operate runs the voice's operators through the configured topology.
func (e *Engine) operate(v *voice) float64 {
	ops := &v.ops
	index := e.params.ModIndex * (0.5 + 0.5*v.velocity)
	mod := func(oi int, in float64) float64 {
		return math.Sin(ops[oi].phase+in) * ops[oi].env * index
	}
	fed := func(oi int) float64 {
		fb := ops[oi].prevOut * e.params.Feedback * math.Pi
		s := math.Sin(ops[oi].phase+fb) * ops[oi].env
		ops[oi].prevOut = s
		return s * index
	}
	carrier := func(oi int, in float64) float64 {
		return e.wave(ops[oi].phase+in, v.waveform) * ops[oi].env
	}

	if e.params.Operators == 2 {
		if e.params.Algorithm == 1 {
			return (carrier(0, 0) + carrier(1, 0)) / math.Sqrt2
		}
		return carrier(0, fed(1))
	}
	switch e.params.Algorithm {
	case 1:
		return carrier(0, mod(1, mod(2, 0)+fed(3)))
	case 2:
		return (carrier(0, mod(1, 0)) + carrier(2, fed(3))) / math.Sqrt2
	case 3:
		return (carrier(0, 0) + carrier(1, mod(2, fed(3)))) / math.Sqrt2
	case 4:
		return (carrier(0, 0) + carrier(1, 0) + carrier(2, 0) + carrier(3, 0)) / 2
	default:
		return carrier(0, mod(1, mod(2, fed(3))))
	}
}

func (e *Engine) wave(phase float64, waveform int) float64 {
	p := math.Mod(phase, twoPi)
	if p < 0 {
		p += twoPi
	}
	switch waveform {
	case 1:
		return 1 - 2*p/twoPi
	case 2:
		return 2*math.Abs(2*p/twoPi-1) - 1
	case 3:
		return square(p < math.Pi)
	case 4:
		return square(p < math.Pi/2)
	case 5:
		return square(p < math.Pi/4)
	case 6:
		return max(math.Sin(p), 0)
	case 7:
		e.noise = (e.noise >> 1) ^ (-(e.noise & 1) & 0xB400)
		return float64(e.noise)/float64(0x7FFF)*2 - 1
	default:
		return math.Sin(p)
	}
}

func square(high bool) float64 {
	if high {
		return 1
	}
	return -1
}

func (e *Engine) advanceEnv(op *operator) {
	p := &e.params
	switch op.envState {
	case envAttack:
		op.env += envStep(1, p.AttackSec, e.sampleRate)
		if op.env >= 1 {
			op.env = 1
			op.envState = envDecay
		}
	case envDecay:
		op.env -= envStep(1-p.SustainLvl, p.DecaySec, e.sampleRate)
		if op.env <= p.SustainLvl {
			op.env = p.SustainLvl
			op.envState = envSustain
		}
	case envRelease:
		op.env -= envStep(max(p.SustainLvl, 0.01), p.ReleaseSec, e.sampleRate)
		if op.env <= 0.0001 {
			op.env = 0
			op.envState = envOff
		}
	case envOff:
		op.env = 0
	}
}

// envStep is the per-sample change covering span in sec seconds; a zero
// time jumps in one sample.
func envStep(span, sec, sampleRate float64) float64 {
	step := span / (sec * sampleRate)
	if step <= 0 || math.IsInf(step, 0) || math.IsNaN(step) {
		return 1
	}
	return step
}

// stealVoice prefers a free voice, then the quietest carrier.
func (e *Engine) stealVoice() int {
	quiet := 0
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
		if e.voices[i].ops[0].env < e.voices[quiet].ops[0].env {
			quiet = i
		}
	}
	return quiet
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

// ActiveVoiceCount returns the voices still sounding. Call it from the
// goroutine driving Process.
func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}
