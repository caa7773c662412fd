package capture

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/event"
)

type fakeScheduler struct {
	mu        sync.Mutex
	calls     []string
	staged    []event.Tagged
	cleared   int
	silenced  int
	rendering bool
}

func (f *fakeScheduler) Rendering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rendering
}

func (f *fakeScheduler) ResetPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset")
	f.staged = nil
}

func (f *fakeScheduler) Schedule(evs ...event.Tagged) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "schedule")
	f.staged = append(f.staged, evs...)
}

func (f *fakeScheduler) ClearQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "clear")
	f.staged = nil
	f.cleared++
}

func (f *fakeScheduler) SilenceAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "silence")
	f.silenced++
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRecorder() (*Recorder, *fakeScheduler, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := &fakeScheduler{}
	r := New(s, WithClock(clk.Now), WithEpoch(clk.t))
	return r, s, clk
}

func tagged(unit string, ts int64, key uint8) event.Tagged {
	return event.Tagged{UnitID: unit, Message: midi.NoteOn(0, key, 100), TimestampMs: ts}
}

func stamps(evs []event.Tagged) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.TimestampMs
	}
	return out
}

func TestRecorder_RecordsOnlyWhileRecording(t *testing.T) {
	r, _, _ := newTestRecorder()
	assert.False(t, r.Record(tagged("U1", 10, 60)))

	r.StartCapture(5)
	assert.Equal(t, Recording, r.State())
	assert.NotEmpty(t, r.SessionID())
	assert.True(t, r.Record(tagged("U1", 10, 60)))
	assert.False(t, r.Record(event.Tagged{UnitID: "", Message: midi.NoteOn(0, 1, 1), TimestampMs: 3}))

	r.StopCapture()
	assert.Equal(t, Idle, r.State())
	assert.False(t, r.Record(tagged("U1", 20, 60)))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(5), r.Snapshot().OriginMs)
}

func TestRecorder_TimelineStaysOrdered(t *testing.T) {
	r, _, _ := newTestRecorder()
	r.StartCapture(1)
	for i, ts := range []int64{30, 10, 20, 10, 50, 40} {
		r.Record(tagged("U1", ts, uint8(i)))
	}
	snap := r.Snapshot()
	assert.Equal(t, []int64{10, 10, 20, 30, 40, 50}, stamps(snap.Events))

	// Equal timestamps keep arrival order.
	var ch, k1, k2, vel uint8
	require.True(t, snap.Events[0].Message.GetNoteStart(&ch, &k1, &vel))
	require.True(t, snap.Events[1].Message.GetNoteStart(&ch, &k2, &vel))
	assert.Equal(t, uint8(1), k1)
	assert.Equal(t, uint8(3), k2)
}

func TestRecorder_ImmediateEventsGetWallClock(t *testing.T) {
	r, _, clk := newTestRecorder()
	r.StartCapture(0)
	clk.Advance(250 * time.Millisecond)
	require.True(t, r.Record(tagged("U1", 0, 60)))
	assert.Equal(t, []int64{250}, stamps(r.Snapshot().Events))

	// The epoch itself maps to 1 ms, never an immediate timestamp.
	r2, _, _ := newTestRecorder()
	r2.StartCapture(0)
	r2.Record(tagged("U1", 0, 60))
	assert.Equal(t, []int64{1}, stamps(r2.Snapshot().Events))
}

func TestRecorder_SnapshotIsACopy(t *testing.T) {
	r, _, _ := newTestRecorder()
	r.StartCapture(1)
	msg := midi.NoteOn(0, 60, 100)
	r.Record(event.Tagged{UnitID: "U1", Message: msg, TimestampMs: 10})
	msg[1] = 99

	snap := r.Snapshot()
	snap.Events[0].TimestampMs = 999
	again := r.Snapshot()
	assert.Equal(t, int64(10), again.Events[0].TimestampMs)
	assert.Equal(t, byte(60), again.Events[0].Message[1])
}

func TestPreview_RelativizesFromOrigin(t *testing.T) {
	r, s, _ := newTestRecorder()
	r.StartCapture(500)
	for _, ts := range []int64{1000, 1250, 2000} {
		r.Record(tagged("U1", ts, 60))
	}

	require.ErrorIs(t, r.PreviewPlay(), ErrRecording)
	r.StopCapture()
	require.NoError(t, r.PreviewPlay())

	assert.Equal(t, PreviewPlaying, r.State())
	assert.Equal(t, []string{"reset", "schedule"}, s.calls)
	// Leading silence after the start marker is kept.
	assert.Equal(t, []int64{500, 750, 1500}, stamps(s.staged))
}

func TestPreview_WithoutStartMarkerUsesFirstEvent(t *testing.T) {
	r, s, _ := newTestRecorder()
	require.NoError(t, r.Replace(Timeline{Events: []event.Tagged{
		tagged("U1", 1000, 60),
		tagged("U2", 1000, 62),
		tagged("U1", 1250, 64),
	}}))
	require.NoError(t, r.PreviewPlay())

	assert.Equal(t, []int64{0, 0, 250}, stamps(s.staged))
	assert.Equal(t, "U1", s.staged[0].UnitID)
	assert.Equal(t, "U2", s.staged[1].UnitID)
	assert.True(t, s.staged[0].Immediate())
	assert.False(t, s.staged[2].Immediate())
}

func TestPreview_MarkerAfterFirstEventIsIgnored(t *testing.T) {
	r, s, _ := newTestRecorder()
	require.NoError(t, r.Replace(Timeline{OriginMs: 5000, Events: []event.Tagged{
		tagged("U1", 1000, 60),
		tagged("U1", 1100, 60),
	}}))
	require.NoError(t, r.PreviewPlay())
	assert.Equal(t, []int64{0, 100}, stamps(s.staged))
}

func TestPreview_RefusedWhileRendering(t *testing.T) {
	r, s, _ := newTestRecorder()
	r.StartCapture(100)
	r.Record(tagged("U1", 100, 60))
	r.StopCapture()

	s.rendering = true
	assert.ErrorIs(t, r.PreviewPlay(), engine.ErrRenderBusy)
	assert.Equal(t, Idle, r.State())
	assert.Empty(t, s.calls)

	s.rendering = false
	require.NoError(t, r.PreviewPlay())
	assert.Equal(t, PreviewPlaying, r.State())
}

func TestPreview_PauseResumeStop(t *testing.T) {
	r, s, clk := newTestRecorder()
	r.StartCapture(1000)
	for _, ts := range []int64{1000, 1250, 2000} {
		r.Record(tagged("U1", ts, 60))
	}
	r.StopCapture()

	require.NoError(t, r.PreviewPlay())
	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, int64(500), r.PreviewPositionMs())

	r.PreviewPause()
	assert.Equal(t, PreviewPaused, r.State())
	assert.Equal(t, 1, s.cleared)
	assert.Equal(t, 1, s.silenced)
	assert.Empty(t, s.staged)

	clk.Advance(10 * time.Second)
	assert.Equal(t, int64(500), r.PreviewPositionMs())

	// Resume: only events at or after 1000+500 are staged.
	require.NoError(t, r.PreviewPlay())
	assert.Equal(t, []int64{500}, stamps(s.staged))

	r.PreviewStop()
	assert.Equal(t, Idle, r.State())
	assert.Zero(t, r.PreviewPositionMs())
	assert.Equal(t, "reset", s.calls[len(s.calls)-1])

	require.NoError(t, r.PreviewPlay())
	assert.Equal(t, []int64{0, 250, 1000}, stamps(s.staged))
}

func TestPreview_ResumePastEndRestarts(t *testing.T) {
	r, s, clk := newTestRecorder()
	r.StartCapture(100)
	r.Record(tagged("U1", 100, 60))
	r.Record(tagged("U1", 200, 60))
	r.StopCapture()

	require.NoError(t, r.PreviewPlay())
	clk.Advance(time.Second)
	r.PreviewPause()
	require.NoError(t, r.PreviewPlay())
	assert.Equal(t, []int64{0, 100}, stamps(s.staged))
}

func TestPreview_EmptyTimeline(t *testing.T) {
	r, s, _ := newTestRecorder()
	assert.ErrorIs(t, r.PreviewPlay(), ErrEmptyTimeline)
	assert.Empty(t, s.calls)
}

func TestStartCaptureStopsPreview(t *testing.T) {
	r, s, _ := newTestRecorder()
	r.StartCapture(1)
	r.Record(tagged("U1", 100, 60))
	r.StopCapture()
	require.NoError(t, r.PreviewPlay())

	r.StartCapture(1)
	assert.Equal(t, Recording, r.State())
	assert.Zero(t, r.Len())
	assert.Contains(t, s.calls, "silence")
}

func TestPersistence_RoundTrip(t *testing.T) {
	r, _, _ := newTestRecorder()
	r.StartCapture(42)
	r.Record(tagged("U1", 100, 60))
	r.Record(event.Tagged{UnitID: "U2", Message: midi.ControlChange(3, 7, 90), TimestampMs: 100})
	r.Record(event.Tagged{UnitID: "U1", Message: midi.Pitchbend(1, -200), TimestampMs: 150})
	r.Record(event.Tagged{UnitID: "U3", Message: midi.NoteOff(2, 61), TimestampMs: 175})
	r.StopCapture()
	want := r.Snapshot()

	var buf bytes.Buffer
	require.NoError(t, r.Save(&buf))
	assert.Contains(t, buf.String(), `"sessionId"`)

	other, _, _ := newTestRecorder()
	require.NoError(t, other.Load(&buf))
	assert.Equal(t, want, other.Snapshot())
}

func TestPersistence_LoadFailureKeepsTimeline(t *testing.T) {
	r, _, _ := newTestRecorder()
	r.StartCapture(1)
	r.Record(tagged("U1", 100, 60))
	r.StopCapture()

	for _, doc := range []string{
		`not json`,
		`{"version": 99, "events": []}`,
		`{"version": 1, "events": [{"unitId": "", "timestampMs": 1, "message": "kDxk"}]}`,
		`{"version": 1, "events": [{"unitId": "U1", "timestampMs": 1, "message": "%%%"}]}`,
		`{"version": 1, "events": [{"unitId": "U1", "timestampMs": 1, "message": ""}]}`,
	} {
		assert.Error(t, r.Load(strings.NewReader(doc)), doc)
		assert.Equal(t, 1, r.Len())
	}
}

func TestPersistence_LoadSortsAndRejectsWhileRecording(t *testing.T) {
	doc := `{"version":1,"sessionId":"s","originMs":0,"events":[
		{"unitId":"A","timestampMs":30,"message":"kDxk"},
		{"unitId":"B","timestampMs":10,"message":"kDxk"},
		{"unitId":"C","timestampMs":10,"message":"kDxk"}]}`
	r, _, _ := newTestRecorder()
	require.NoError(t, r.Load(strings.NewReader(doc)))
	snap := r.Snapshot()
	assert.Equal(t, []int64{10, 10, 30}, stamps(snap.Events))
	assert.Equal(t, []string{"B", "C", "A"}, snap.Units())

	r.StartCapture(1)
	assert.ErrorIs(t, r.Load(strings.NewReader(doc)), ErrRecording)
}

func TestWriteSMF(t *testing.T) {
	tl := Timeline{Events: []event.Tagged{
		tagged("piano", 1000, 60),
		tagged("bass", 1000, 36),
		{UnitID: "piano", Message: midi.NoteOff(0, 60), TimestampMs: 1500},
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteSMF(&buf, tl, 120))

	s, err := smf.ReadFrom(&buf)
	require.NoError(t, err)
	require.Len(t, s.Tracks, 3)

	var name string
	require.True(t, s.Tracks[1][0].Message.GetMetaTrackName(&name))
	assert.Equal(t, "piano", name)

	// 500 ms at 120 bpm is one beat.
	var total uint32
	for _, ev := range s.Tracks[1] {
		total += ev.Delta
	}
	assert.Equal(t, uint32(960), total)

	assert.ErrorIs(t, WriteSMF(&buf, Timeline{}, 120), ErrEmptyTimeline)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "preview-paused", PreviewPaused.String())
	assert.Equal(t, "unknown", State(9).String())
}
