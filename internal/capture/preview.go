package capture

import (
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/event"
)

// PreviewPlay stages the timeline into the scheduler relative to a fresh
// transport and starts playback. From PreviewPaused it resumes where the
// pause left off. It fails with engine.ErrRenderBusy while the scheduler is
// rendering.
func (r *Recorder) PreviewPlay() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Recording:
		return ErrRecording
	case PreviewPlaying:
		return nil
	}
	if len(r.events) == 0 {
		return ErrEmptyTimeline
	}
	if r.sched.Rendering() {
		return engine.ErrRenderBusy
	}
	start := r.startMsLocked()
	last := r.events[len(r.events)-1].TimestampMs
	origin := start + r.pauseOffsetMs
	if origin > last {
		r.pauseOffsetMs = 0
		origin = start
	}
	staged := stage(r.events, origin)

	r.sched.ResetPlayback()
	r.sched.Schedule(staged...)
	r.previewStart = r.now()
	r.state = PreviewPlaying
	r.log.Debug("preview playing", zap.Int("events", len(staged)), zap.Int64("offsetMs", r.pauseOffsetMs))
	return nil
}

// startMsLocked is where preview time zero sits: the capture start marker
// when it precedes the first event, else the first event.
func (r *Recorder) startMsLocked() int64 {
	first := r.events[0].TimestampMs
	if r.originMs > 0 && r.originMs <= first {
		return r.originMs
	}
	return first
}

// stage relativizes every event at or after origin to a transport starting
// from zero. Events at the origin become immediate.
func stage(events []event.Tagged, origin int64) []event.Tagged {
	out := make([]event.Tagged, 0, len(events))
	for _, ev := range events {
		if ev.TimestampMs < origin {
			continue
		}
		ev.TimestampMs -= origin
		out = append(out, ev)
	}
	return out
}

// PreviewPause stops sounding notes and remembers how far preview got.
func (r *Recorder) PreviewPause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PreviewPlaying {
		return
	}
	r.pauseOffsetMs += r.now().Sub(r.previewStart).Milliseconds()
	r.sched.ClearQueue()
	r.sched.SilenceAll()
	r.state = PreviewPaused
}

// PreviewStop ends preview and rewinds to the start of the timeline.
func (r *Recorder) PreviewStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PreviewPlaying && r.state != PreviewPaused {
		return
	}
	r.stopPreviewLocked()
}

func (r *Recorder) stopPreviewLocked() {
	r.pauseOffsetMs = 0
	r.sched.ClearQueue()
	r.sched.SilenceAll()
	r.sched.ResetPlayback()
	r.state = Idle
}

// PreviewPositionMs reports how far into the timeline preview is.
func (r *Recorder) PreviewPositionMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case PreviewPlaying:
		return r.pauseOffsetMs + r.now().Sub(r.previewStart).Milliseconds()
	case PreviewPaused:
		return r.pauseOffsetMs
	}
	return 0
}
