// Package config loads the stemhost YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/lfo"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/tags"
)

type Config struct {
	Audio  Audio  `yaml:"audio"`
	Engine Engine `yaml:"engine"`
	Render Render `yaml:"render"`
	Log    Log    `yaml:"log"`
	Server Server `yaml:"server"`
	Takes  Takes  `yaml:"takes"`

	Stems  []router.StemDefinition `yaml:"stems"`
	Roster []tags.RosterEntry      `yaml:"roster"`
	Units  []Unit                  `yaml:"units"`
}

// Audio is the live device configuration.
type Audio struct {
	SampleRate int `yaml:"sample_rate"`
	BlockSize  int `yaml:"block_size"`
	Channels   int `yaml:"channels"`
	BufferMs   int `yaml:"buffer_ms"`
}

type Engine struct {
	QueueCapacity int     `yaml:"queue_capacity"`
	GraceBlocks   float64 `yaml:"grace_blocks"`
	BPM           float64 `yaml:"bpm"`
}

type Render struct {
	SampleRate  int     `yaml:"sample_rate"`
	BlockSize   int     `yaml:"block_size"`
	TailSeconds float64 `yaml:"tail_seconds"`
	OutputDir   string  `yaml:"output_dir"`
	ProjectName string  `yaml:"project_name"`
	BitDepth    int     `yaml:"bit_depth"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Takes locates the SQLite take archive. An empty path disables it.
type Takes struct {
	Path string `yaml:"path"`
}

// Unit declares one built-in instrument. Wave applies to synth units;
// Operators and Algorithm to fm units.
type Unit struct {
	ID        string  `yaml:"id"`
	Kind      string  `yaml:"kind"`
	Wave      string  `yaml:"wave,omitempty"`
	Voices    int     `yaml:"voices,omitempty"`
	Gain      float64 `yaml:"gain,omitempty"`
	Vibrato   string  `yaml:"vibrato,omitempty"`
	Operators int     `yaml:"operators,omitempty"`
	Algorithm int     `yaml:"algorithm,omitempty"`
}

const (
	KindSynth = "synth"
	KindSine  = "sine"
	KindFM    = "fm"
)

func Default() Config {
	return Config{
		Audio:  Audio{SampleRate: 48000, BlockSize: 512, Channels: 2, BufferMs: 50},
		Engine: Engine{QueueCapacity: event.DefaultCapacity, GraceBlocks: 1, BPM: 120},
		Render: Render{SampleRate: 48000, BlockSize: 512, TailSeconds: 2, OutputDir: "renders", ProjectName: "session", BitDepth: 24},
		Log:    Log{Level: "info"},
		Server: Server{Addr: "127.0.0.1:8321"},
		Units: []Unit{
			{ID: "lead", Kind: KindSynth, Wave: "pulse-a"},
			{ID: "bass", Kind: KindSynth, Wave: "triangle"},
		},
	}
}

// Load reads and validates the file at path. A missing path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays data on the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Stems) > 0 {
		cfg.Stems = router.NormalizeStems(cfg.Stems)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}
	if c.Audio.BlockSize <= 0 {
		errs = append(errs, errors.New("audio.block_size must be positive"))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, errors.New("audio.channels must be positive"))
	}
	if c.Engine.QueueCapacity <= 0 {
		errs = append(errs, errors.New("engine.queue_capacity must be positive"))
	}
	if c.Engine.GraceBlocks < 0 {
		errs = append(errs, errors.New("engine.grace_blocks must not be negative"))
	}
	if c.Engine.BPM <= 0 {
		errs = append(errs, errors.New("engine.bpm must be positive"))
	}
	if c.Render.SampleRate <= 0 || c.Render.BlockSize <= 0 {
		errs = append(errs, errors.New("render.sample_rate and render.block_size must be positive"))
	}
	if c.Render.TailSeconds < 0 {
		errs = append(errs, errors.New("render.tail_seconds must not be negative"))
	}
	switch c.Render.BitDepth {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("render.bit_depth %d is not one of 16, 24, 32", c.Render.BitDepth))
	}
	seen := make(map[string]struct{}, len(c.Units))
	for i, u := range c.Units {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("units[%d]: id is required", i))
			continue
		}
		if _, dup := seen[u.ID]; dup {
			errs = append(errs, fmt.Errorf("units[%d]: duplicate id %q", i, u.ID))
		}
		seen[u.ID] = struct{}{}
		switch u.Kind {
		case KindSynth, KindSine:
		case KindFM:
			if u.Operators != 0 && u.Operators != 2 && u.Operators != 4 {
				errs = append(errs, fmt.Errorf("units[%d]: operators must be 2 or 4", i))
			}
			if u.Algorithm < 0 {
				errs = append(errs, fmt.Errorf("units[%d]: algorithm must not be negative", i))
			}
		default:
			errs = append(errs, fmt.Errorf("units[%d]: unknown kind %q", i, u.Kind))
		}
		if _, err := lfo.ParseShape(u.Vibrato); err != nil {
			errs = append(errs, fmt.Errorf("units[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
