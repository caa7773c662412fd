// Package render bounces a captured timeline to one audio file per bus.
//
// Rendering reuses the live per-block pipeline: the engine is switched into
// render mode, each block's deliveries are computed from the timeline rather
// than the scheduling queue, and the selected buses are written out after
// every block.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/logging"
	"github.com/cbegin/stemhost-go/internal/router"
)

var (
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrInvalidBlockSize  = errors.New("block size must be positive")
	ErrEmptyTimeline     = errors.New("nothing to render")
)

// Options configure one render.
type Options struct {
	SampleRate float64
	BlockSize  int
	// TailSeconds is rendered after the last event. Negative values count
	// as zero here; the host replaces them with its configured tail.
	TailSeconds float64
	// Buses selects stems to render in addition to Master. Nil renders
	// every stem marked RenderEnabled.
	Buses       []string
	OutputDir   string
	ProjectName string
	// Progress is called after every block with the block's start sample
	// divided by the end sample. Completion is signalled by Render returning.
	Progress func(fraction float64)
	// Writers opens the per-bus output. Nil writes 24-bit WAV files.
	Writers WriterFactory
}

// BusResult is the outcome for one bus file.
type BusResult struct {
	Bus    string
	Path   string
	Frames int64
	Err    error
}

type Result struct {
	Files    []BusResult
	Frames   int64
	Duration time.Duration
}

// Renderer drives offline renders against an engine.
type Renderer struct {
	eng *engine.Engine
	log *zap.Logger
}

type Option func(*Renderer)

func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) { r.log = logging.OrNop(l) }
}

func New(eng *engine.Engine, opts ...Option) *Renderer {
	r := &Renderer{eng: eng, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type scheduled struct {
	sample int64
	ev     event.Tagged
	index  int
}

// schedule converts timestamps to sample positions relative to the first
// event and orders them by position, then unit, then original order.
func schedule(events []event.Tagged, sampleRate float64) []scheduled {
	if len(events) == 0 {
		return nil
	}
	zero := events[0].TimestampMs
	for _, ev := range events[1:] {
		zero = min(zero, ev.TimestampMs)
	}
	out := make([]scheduled, len(events))
	for i, ev := range events {
		out[i] = scheduled{
			sample: int64(math.Round(float64(ev.TimestampMs-zero) / 1000 * sampleRate)),
			ev:     ev,
			index:  i,
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.sample != b.sample {
			return a.sample < b.sample
		}
		if a.ev.UnitID != b.ev.UnitID {
			return a.ev.UnitID < b.ev.UnitID
		}
		return a.index < b.index
	})
	return out
}

// endSample returns the exclusive end of the render.
func endSample(list []scheduled, sampleRate, tailSeconds float64) int64 {
	last := list[len(list)-1].sample
	end := last + int64(math.Round(max(tailSeconds, 0)*sampleRate))
	if end <= last {
		end = last + 1
	}
	return end
}

func (o Options) validate() error {
	if o.SampleRate <= 0 || math.IsNaN(o.SampleRate) || math.IsInf(o.SampleRate, 0) {
		return ErrInvalidSampleRate
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	return nil
}

// Render writes tl to one file per selected bus. The engine's live
// configuration is restored before Render returns, on failure too.
func (r *Renderer) Render(ctx context.Context, tl capture.Timeline, opts Options) (Result, error) {
	var res Result
	if err := opts.validate(); err != nil {
		return res, err
	}
	if tl.Empty() {
		return res, ErrEmptyTimeline
	}
	if opts.Writers == nil {
		opts.Writers = WAVWriters(24)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}

	list := schedule(tl.Events, opts.SampleRate)
	end := endSample(list, opts.SampleRate, opts.TailSeconds)

	sess, err := r.eng.EnterRenderMode(opts.SampleRate, opts.BlockSize)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.log.Warn("restore live configuration", zap.Error(cerr))
		}
	}()

	rt := sess.Router()
	buses := selectBuses(rt, opts.Buses)
	writers := make([]BusWriter, len(buses))
	res.Files = make([]BusResult, len(buses))
	closeAll := func() {
		for i, w := range writers {
			if w == nil {
				continue
			}
			if cerr := w.Close(); cerr != nil && res.Files[i].Err == nil {
				res.Files[i].Err = cerr
			}
			writers[i] = nil
		}
	}
	defer closeAll()

	for i, name := range buses {
		path := filepath.Join(opts.OutputDir, FileName(opts.ProjectName, name))
		res.Files[i] = BusResult{Bus: name, Path: path}
		w, err := opts.Writers(path, opts.SampleRate, rt.Channels())
		if err != nil {
			res.Files[i].Err = err
			return res, fmt.Errorf("open writer for bus %q: %w", name, err)
		}
		writers[i] = w
	}

	started := time.Now()
	r.log.Info("render started",
		zap.Int("events", len(list)), zap.Int64("frames", end), zap.Strings("buses", buses))

	deliveries := make([]event.Delivery, 0, 256)
	next := 0
	for start := int64(0); start < end; start += int64(opts.BlockSize) {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("render cancelled: %w", err)
		}
		blockEnd := start + int64(opts.BlockSize)
		deliveries = deliveries[:0]
		for next < len(list) && list[next].sample < blockEnd {
			deliveries = append(deliveries, event.Delivery{
				Event:  list[next].ev,
				Offset: int(list[next].sample - start),
			})
			next++
		}
		if err := sess.ProcessBlock(deliveries, opts.BlockSize, nil); err != nil {
			return res, err
		}

		frames := int(min(int64(opts.BlockSize), end-start))
		for i, name := range buses {
			bus := rt.Bus(name)
			if bus == nil {
				continue
			}
			if err := writers[i].Write(bus.Channels, frames); err != nil {
				res.Files[i].Err = err
				return res, fmt.Errorf("write bus %q: %w", name, err)
			}
			res.Files[i].Frames += int64(frames)
		}
		res.Frames += int64(frames)
		if opts.Progress != nil {
			opts.Progress(float64(start) / float64(end))
		}
	}

	closeAll()
	res.Duration = time.Since(started)
	for _, f := range res.Files {
		if f.Err != nil {
			return res, fmt.Errorf("finalize bus %q: %w", f.Bus, f.Err)
		}
	}
	r.log.Info("render finished", zap.Int64("frames", res.Frames), zap.Duration("took", res.Duration))
	return res, nil
}

// selectBuses returns Master followed by the requested stems that exist, or
// every render-enabled stem when none are requested.
func selectBuses(rt *router.Router, requested []string) []string {
	if requested == nil {
		return rt.RenderBuses()
	}
	out := []string{router.MasterBus}
	seen := map[string]struct{}{router.MasterBus: {}}
	for _, name := range requested {
		if _, dup := seen[name]; dup {
			continue
		}
		if rt.Bus(name) == nil {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
