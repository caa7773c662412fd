// Package stemhost hosts audio units driven by timestamped MIDI, routes
// their output to a master bus and tag-selected stem buses, captures what
// was played, and renders captures offline to per-bus audio files.
package stemhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	intaudio "github.com/cbegin/stemhost-go/internal/audio"
	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/logging"
	"github.com/cbegin/stemhost-go/internal/render"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/tags"
	"github.com/cbegin/stemhost-go/internal/unit"
)

var ErrAlreadyStarted = errors.New("audio output already started")

type HostOption func(*hostConfig)

type hostConfig struct {
	sampleRate int
	blockSize  int
	channels   int
	bufferSize time.Duration
	logger     *zap.Logger
	engineOpts []engine.Option
	clock      func() time.Time
	renderDefs render.Options
	sampleTap  func(planar [][]float32, n int)
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		sampleRate: 48000,
		blockSize:  512,
		channels:   2,
		renderDefs: render.Options{
			SampleRate:  48000,
			BlockSize:   512,
			TailSeconds: 2,
			OutputDir:   "renders",
			ProjectName: "session",
		},
	}
}

func WithSampleRate(sr int) HostOption {
	return func(cfg *hostConfig) { cfg.sampleRate = sr }
}

func WithBlockSize(n int) HostOption {
	return func(cfg *hostConfig) { cfg.blockSize = n }
}

func WithChannels(n int) HostOption {
	return func(cfg *hostConfig) { cfg.channels = n }
}

// WithBufferSize sets the audio device buffer. Zero keeps the driver default.
func WithBufferSize(d time.Duration) HostOption {
	return func(cfg *hostConfig) { cfg.bufferSize = d }
}

func WithLogger(l *zap.Logger) HostOption {
	return func(cfg *hostConfig) { cfg.logger = l }
}

// WithEngineOptions passes options through to the block engine.
func WithEngineOptions(opts ...engine.Option) HostOption {
	return func(cfg *hostConfig) { cfg.engineOpts = append(cfg.engineOpts, opts...) }
}

// WithClock replaces the wall clock used for capture timestamps.
func WithClock(now func() time.Time) HostOption {
	return func(cfg *hostConfig) { cfg.clock = now }
}

// WithRenderDefaults sets the options Render falls back to for zero fields.
func WithRenderDefaults(opts render.Options) HostOption {
	return func(cfg *hostConfig) { cfg.renderDefs = opts }
}

// WithSampleTap installs a callback invoked with each block sent to the
// audio device. The callback runs on the audio goroutine; keep work brief
// and non-blocking.
func WithSampleTap(tap func(planar [][]float32, n int)) HostOption {
	return func(cfg *hostConfig) { cfg.sampleTap = tap }
}

// Host owns the engine, the capture recorder and the renderer, and
// optionally streams the engine to the system audio device.
type Host struct {
	mu       sync.Mutex
	cfg      hostConfig
	log      *zap.Logger
	engine   *engine.Engine
	recorder *capture.Recorder
	renderer *render.Renderer
	audio    *intaudio.Player
	volume   atomic.Uint64
}

func NewHost(opts ...HostOption) (*Host, error) {
	cfg := defaultHostConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	if cfg.blockSize <= 0 {
		return nil, errors.New("blockSize must be positive")
	}
	log := logging.OrNop(cfg.logger)
	engOpts := append([]engine.Option{engine.WithLogger(log), engine.WithChannels(cfg.channels)}, cfg.engineOpts...)
	eng, err := engine.New(float64(cfg.sampleRate), cfg.blockSize, engOpts...)
	if err != nil {
		return nil, err
	}
	recOpts := []capture.Option{capture.WithLogger(log)}
	if cfg.clock != nil {
		recOpts = append(recOpts, capture.WithClock(cfg.clock))
	}
	rec := capture.New(eng, recOpts...)
	eng.SetObserver(rec)

	h := &Host{
		cfg:      cfg,
		log:      log,
		engine:   eng,
		recorder: rec,
		renderer: render.New(eng, render.WithLogger(log)),
	}
	h.volume.Store(math.Float64bits(1))
	return h, nil
}

// Engine exposes the block engine for advanced wiring.
func (h *Host) Engine() *engine.Engine { return h.engine }

// Recorder exposes the capture recorder.
func (h *Host) Recorder() *capture.Recorder { return h.recorder }

func (h *Host) SampleRate() int { return h.cfg.sampleRate }

func (h *Host) AddUnit(id string, u unit.Unit) error { return h.engine.AddUnit(id, u) }
func (h *Host) RemoveUnit(id string) error           { return h.engine.RemoveUnit(id) }
func (h *Host) Units() []string                      { return h.engine.Units() }

// Dispatch schedules msg for unitID at timestampMs on the sync clock. A
// timestamp ≤ 0 plays at the start of the next block.
func (h *Host) Dispatch(unitID string, msg midi.Message, timestampMs int64) bool {
	return h.engine.Dispatch(unitID, msg, timestampMs)
}

// SendLive feeds real-time input to a unit for the next block.
func (h *Host) SendLive(unitID string, msg midi.Message) bool {
	return h.engine.SendLive(unitID, msg)
}

// NowMs returns the current time on the sync clock producers timestamp
// against.
func (h *Host) NowMs() int64 { return h.recorder.NowMs() }

func (h *Host) RebuildTagIndex(roster []tags.RosterEntry) {
	h.engine.Router().RebuildTagIndex(roster)
}

func (h *Host) SetStemRules(defs []router.StemDefinition) {
	h.engine.Router().SetStemRules(defs)
}

func (h *Host) StemDefinitions() []router.StemDefinition {
	return h.engine.Router().StemDefinitions()
}

func (h *Host) SilenceAll()    { h.engine.SilenceAll() }
func (h *Host) ResetPlayback() { h.engine.ResetPlayback() }

func (h *Host) Stats() engine.Stats     { return h.engine.Stats() }
func (h *Host) Position() unit.Position { return h.engine.Position() }

func (h *Host) MasterVolume() float64 { return math.Float64frombits(h.volume.Load()) }

// SetMasterVolume scales live output. Negative values clamp to 0.
func (h *Host) SetMasterVolume(v float64) {
	h.volume.Store(math.Float64bits(math.Max(0, v)))
}

// Meters returns the RMS of every bus over the last processed block.
func (h *Host) Meters() map[string]float64 {
	var out map[string]float64
	h.engine.Inspect(func(r *router.Router, n int) {
		out = r.CalculateRMSPerBus(n)
	})
	return out
}

// ProcessBlock renders the next n frames of live output into out. It is the
// audio device's source and may be driven directly for headless use.
func (h *Host) ProcessBlock(out [][]float32, n int) {
	h.engine.ProcessBlock(out, n)
	if g := float32(h.MasterVolume()); g != 1 {
		for c := range out {
			for i := range out[c][:min(n, len(out[c]))] {
				out[c][i] *= g
			}
		}
	}
}

// Start opens the system audio device and begins streaming.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.audio != nil {
		return ErrAlreadyStarted
	}
	pl, err := intaudio.NewPlayer(h.cfg.sampleRate, h, h.cfg.sampleTap, h.cfg.bufferSize)
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	h.audio = pl
	pl.Play()
	h.log.Info("audio output started", zap.Int("sampleRate", h.cfg.sampleRate), zap.Int("blockSize", h.cfg.blockSize))
	return nil
}

// Stop closes the audio device. Units and the timeline are kept.
func (h *Host) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.audio == nil {
		return nil
	}
	err := h.audio.Stop()
	h.audio = nil
	return err
}

// Close stops audio and releases every unit.
func (h *Host) Close() error {
	err := h.Stop()
	for _, id := range h.engine.Units() {
		if rerr := h.engine.RemoveUnit(id); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (h *Host) StartCapture()      { h.recorder.StartCapture(0) }
func (h *Host) StopCapture()       { h.recorder.StopCapture() }
func (h *Host) ClearCapture()      { h.recorder.Clear() }
func (h *Host) PreviewPlay() error { return h.recorder.PreviewPlay() }
func (h *Host) PreviewPause()      { h.recorder.PreviewPause() }
func (h *Host) PreviewStop()       { h.recorder.PreviewStop() }

func (h *Host) CaptureState() capture.State { return h.recorder.State() }
func (h *Host) Snapshot() capture.Timeline  { return h.recorder.Snapshot() }

func (h *Host) LoadTimeline(tl capture.Timeline) error { return h.recorder.Replace(tl) }
func (h *Host) SaveCapture(w io.Writer) error          { return h.recorder.Save(w) }
func (h *Host) LoadCapture(r io.Reader) error          { return h.recorder.Load(r) }

// ExportMIDI writes the captured timeline as a Standard MIDI File.
func (h *Host) ExportMIDI(w io.Writer) error {
	return capture.WriteSMF(w, h.recorder.Snapshot(), h.engine.BPM())
}

// Render bounces the captured timeline. Zero fields in opts take the host's
// render defaults, except TailSeconds where a negative value selects the
// default and zero renders no tail.
func (h *Host) Render(ctx context.Context, opts render.Options) (render.Result, error) {
	return h.RenderTimeline(ctx, h.recorder.Snapshot(), opts)
}

// RenderTimeline bounces tl. Preview is stopped first so the live queue is
// empty when the engine returns to live mode.
func (h *Host) RenderTimeline(ctx context.Context, tl capture.Timeline, opts render.Options) (render.Result, error) {
	h.recorder.PreviewStop()
	return h.renderer.Render(ctx, tl, h.withRenderDefaults(opts))
}

func (h *Host) withRenderDefaults(opts render.Options) render.Options {
	d := h.cfg.renderDefs
	if opts.SampleRate == 0 {
		opts.SampleRate = d.SampleRate
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = d.BlockSize
	}
	if opts.TailSeconds < 0 {
		opts.TailSeconds = d.TailSeconds
	}
	if opts.OutputDir == "" {
		opts.OutputDir = d.OutputDir
	}
	if opts.ProjectName == "" {
		opts.ProjectName = d.ProjectName
	}
	if opts.Writers == nil {
		opts.Writers = d.Writers
	}
	if opts.Buses == nil {
		opts.Buses = d.Buses
	}
	return opts
}
