// Package capture records dispatched events into a master timeline and
// replays it as a preview through the engine's scheduling queue.
package capture

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/logging"
)

var (
	ErrEmptyTimeline = errors.New("capture timeline is empty")
	ErrRecording     = errors.New("capture is recording")
)

type State int

const (
	Idle State = iota
	Recording
	PreviewPlaying
	PreviewPaused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case PreviewPlaying:
		return "preview-playing"
	case PreviewPaused:
		return "preview-paused"
	}
	return "unknown"
}

// Scheduler is the part of the engine preview drives.
type Scheduler interface {
	ResetPlayback()
	Schedule(evs ...event.Tagged)
	ClearQueue()
	SilenceAll()
	Rendering() bool
}

// Timeline is an immutable copy of a capture.
type Timeline struct {
	SessionID string
	OriginMs  int64
	Events    []event.Tagged
}

func (t Timeline) Empty() bool { return len(t.Events) == 0 }

// Span returns the first and last timestamps.
func (t Timeline) Span() (first, last int64) {
	if len(t.Events) == 0 {
		return 0, 0
	}
	return t.Events[0].TimestampMs, t.Events[len(t.Events)-1].TimestampMs
}

// Units returns the distinct unit IDs in order of first appearance.
func (t Timeline) Units() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ev := range t.Events {
		if _, ok := seen[ev.UnitID]; ok {
			continue
		}
		seen[ev.UnitID] = struct{}{}
		out = append(out, ev.UnitID)
	}
	return out
}

type Option func(*Recorder)

// WithClock replaces the wall clock used for timestamps and preview timing.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEpoch sets the sync epoch timestamps are measured from.
func WithEpoch(t time.Time) Option {
	return func(r *Recorder) { r.epoch = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.log = logging.OrNop(l) }
}

type Recorder struct {
	mu    sync.Mutex
	sched Scheduler
	now   func() time.Time
	epoch time.Time
	log   *zap.Logger

	state     State
	sessionID string
	originMs  int64
	events    []event.Tagged

	pauseOffsetMs int64
	previewStart  time.Time
}

func New(sched Scheduler, opts ...Option) *Recorder {
	r := &Recorder{
		sched: sched,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.epoch.IsZero() {
		r.epoch = r.now()
	}
	return r
}

// NowMs returns milliseconds since the epoch, never less than 1 so the value
// is always a scheduled timestamp.
func (r *Recorder) NowMs() int64 {
	return max(1, r.now().Sub(r.epoch).Milliseconds())
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// StartCapture clears the timeline and begins recording. A startTs ≤ 0
// uses the current clock.
func (r *Recorder) StartCapture(startTs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == PreviewPlaying || r.state == PreviewPaused {
		r.stopPreviewLocked()
	}
	if startTs <= 0 {
		startTs = r.NowMs()
	}
	r.events = nil
	r.pauseOffsetMs = 0
	r.originMs = startTs
	r.sessionID = uuid.NewString()
	r.state = Recording
	r.log.Info("capture started", zap.String("session", r.sessionID), zap.Int64("originMs", startTs))
}

// Record appends ev while recording. Immediate events are stamped with the
// current clock. Out-of-order events are inserted in timestamp order.
func (r *Recorder) Record(ev event.Tagged) bool {
	if ev.UnitID == "" || len(ev.Message) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return false
	}
	if ev.TimestampMs <= 0 {
		ev.TimestampMs = r.NowMs()
	}
	ev.Message = append(midi.Message(nil), ev.Message...)
	i := sort.Search(len(r.events), func(i int) bool {
		return r.events[i].TimestampMs > ev.TimestampMs
	})
	r.events = append(r.events, event.Tagged{})
	copy(r.events[i+1:], r.events[i:])
	r.events[i] = ev
	return true
}

// Observe lets the recorder sit behind the engine's observer hook.
func (r *Recorder) Observe(ev event.Tagged) {
	r.Record(ev)
}

// StopCapture ends recording and keeps the timeline.
func (r *Recorder) StopCapture() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	r.state = Idle
	r.log.Info("capture stopped", zap.String("session", r.sessionID), zap.Int("events", len(r.events)))
}

// Clear drops the timeline without changing state.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.pauseOffsetMs = 0
}

// Snapshot returns an immutable copy of the timeline.
func (r *Recorder) Snapshot() Timeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Timeline{
		SessionID: r.sessionID,
		OriginMs:  r.originMs,
		Events:    append([]event.Tagged(nil), r.events...),
	}
}

// Replace installs t as the timeline. It fails while recording and stops
// any preview.
func (r *Recorder) Replace(t Timeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Recording {
		return ErrRecording
	}
	if r.state != Idle {
		r.stopPreviewLocked()
	}
	evs := append([]event.Tagged(nil), t.Events...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].TimestampMs < evs[j].TimestampMs })
	r.events = evs
	r.sessionID = t.SessionID
	r.originMs = t.OriginMs
	r.pauseOffsetMs = 0
	return nil
}
