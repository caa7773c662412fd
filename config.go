package stemhost

import (
	"fmt"
	"time"

	"github.com/cbegin/stemhost-go/internal/config"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/fm"
	"github.com/cbegin/stemhost-go/internal/lfo"
	"github.com/cbegin/stemhost-go/internal/render"
	"github.com/cbegin/stemhost-go/internal/synth"
	"github.com/cbegin/stemhost-go/internal/unit"
)

// NewUnit builds a built-in unit from its configuration.
func NewUnit(cfg config.Unit) (unit.Unit, error) {
	switch cfg.Kind {
	case config.KindSine:
		return unit.NewSine(), nil
	case config.KindSynth:
		params := synth.DefaultParams()
		wave, err := synth.ParseWave(cfg.Wave)
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", cfg.ID, err)
		}
		params.Wave = wave
		if params.VibratoShape, err = lfo.ParseShape(cfg.Vibrato); err != nil {
			return nil, fmt.Errorf("unit %q: %w", cfg.ID, err)
		}
		if cfg.Voices > 0 {
			params.Voices = cfg.Voices
		}
		if cfg.Gain > 0 {
			params.MasterGain = cfg.Gain
		}
		return synth.New(params), nil
	case config.KindFM:
		params := fm.DefaultParams()
		var err error
		if params.VibratoShape, err = lfo.ParseShape(cfg.Vibrato); err != nil {
			return nil, fmt.Errorf("unit %q: %w", cfg.ID, err)
		}
		if cfg.Operators > 0 {
			params.Operators = cfg.Operators
		}
		params.Algorithm = cfg.Algorithm
		if cfg.Voices > 0 {
			params.Voices = cfg.Voices
		}
		if cfg.Gain > 0 {
			params.MasterGain = cfg.Gain
		}
		u, err := fm.New(params)
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", cfg.ID, err)
		}
		return u, nil
	}
	return nil, fmt.Errorf("unit %q: unknown kind %q", cfg.ID, cfg.Kind)
}

// NewHostFromConfig builds a host with the configured units, stems and
// roster. Extra options are applied after the configuration.
func NewHostFromConfig(cfg config.Config, opts ...HostOption) (*Host, error) {
	base := []HostOption{
		WithSampleRate(cfg.Audio.SampleRate),
		WithBlockSize(cfg.Audio.BlockSize),
		WithChannels(cfg.Audio.Channels),
		WithBufferSize(time.Duration(cfg.Audio.BufferMs) * time.Millisecond),
		WithEngineOptions(
			engine.WithQueueCapacity(cfg.Engine.QueueCapacity),
			engine.WithGraceBlocks(cfg.Engine.GraceBlocks),
			engine.WithBPM(cfg.Engine.BPM),
		),
		WithRenderDefaults(render.Options{
			SampleRate:  float64(cfg.Render.SampleRate),
			BlockSize:   cfg.Render.BlockSize,
			TailSeconds: cfg.Render.TailSeconds,
			OutputDir:   cfg.Render.OutputDir,
			ProjectName: cfg.Render.ProjectName,
			Writers:     render.WAVWriters(cfg.Render.BitDepth),
		}),
	}
	h, err := NewHost(append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	for _, uc := range cfg.Units {
		u, err := NewUnit(uc)
		if err != nil {
			h.Close()
			return nil, err
		}
		if err := h.AddUnit(uc.ID, u); err != nil {
			h.Close()
			return nil, err
		}
	}
	h.SetStemRules(cfg.Stems)
	h.RebuildTagIndex(cfg.Roster)
	return h, nil
}
