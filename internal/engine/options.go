package engine

import (
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/event"
)

type Option func(*config)

type config struct {
	queueCap    int
	graceBlocks float64
	bpm         float64
	channels    int
	logger      *zap.Logger
	midiCap     int
}

func defaultConfig() config {
	return config{
		queueCap:    event.DefaultCapacity,
		graceBlocks: 1,
		bpm:         120,
		channels:    2,
		midiCap:     256,
	}
}

// WithQueueCapacity bounds the scheduling queue.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCap = n
		}
	}
}

// WithGraceBlocks sets how many blocks early an event may be at playback
// start and still count as on time. The default is one block.
func WithGraceBlocks(blocks float64) Option {
	return func(c *config) {
		if blocks >= 0 {
			c.graceBlocks = blocks
		}
	}
}

func WithBPM(bpm float64) Option {
	return func(c *config) {
		if bpm > 0 {
			c.bpm = bpm
		}
	}
}

// WithChannels sets the channel count of the host output and every bus.
func WithChannels(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.channels = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMIDICapacity pre-sizes each unit's per-block MIDI buffer.
func WithMIDICapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.midiCap = n
		}
	}
}
