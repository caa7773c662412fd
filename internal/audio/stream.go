// Package audio connects the block engine to the system audio device.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

const outputChannels = 2

// BlockSource renders n frames of planar audio into out.
type BlockSource interface {
	ProcessBlock(out [][]float32, n int)
}

// BlockSourceFunc adapts a function to BlockSource.
type BlockSourceFunc func(out [][]float32, n int)

func (f BlockSourceFunc) ProcessBlock(out [][]float32, n int) { f(out, n) }

// Tap observes every block after it is rendered. It runs on the audio
// goroutine.
type Tap func(planar [][]float32, n int)

// StreamReader pulls blocks from a BlockSource and serves them as
// interleaved little-endian float32 stereo.
type StreamReader struct {
	mu     sync.Mutex
	source BlockSource
	planar [][]float32
	tap    Tap
	frames int64
}

func NewStreamReader(source BlockSource, tap Tap) *StreamReader {
	return &StreamReader{source: source, tap: tap, planar: make([][]float32, outputChannels)}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / (4 * outputChannels)
	if frames == 0 {
		return 0, nil
	}
	for c := range r.planar {
		if cap(r.planar[c]) < frames {
			r.planar[c] = make([]float32, frames)
		}
		r.planar[c] = r.planar[c][:frames]
	}
	r.source.ProcessBlock(r.planar, frames)
	if r.tap != nil {
		r.tap(r.planar, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < outputChannels; c++ {
			binary.LittleEndian.PutUint32(p[(i*outputChannels+c)*4:], math.Float32bits(r.planar[c][i]))
		}
	}
	r.frames += int64(frames)
	return frames * 4 * outputChannels, nil
}

// Frames returns how many frames have been served.
func (r *StreamReader) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *StreamReader) Close() error { return nil }

type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// NewPlayer opens the shared device context at sampleRate and streams from
// source. bufferSize hints the device buffer; zero keeps ebiten's default.
func NewPlayer(sampleRate int, source BlockSource, tap Tap, bufferSize time.Duration) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source, tap)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	if bufferSize > 0 {
		pl.SetBufferSize(bufferSize)
	}
	return &Player{player: pl, reader: reader}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }
func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position returns what the listener actually hears.
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Stop() error {
	p.player.Pause()
	p.player.Close()
	return p.reader.Close()
}
