package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/tags"
	"github.com/cbegin/stemhost-go/internal/unit"
)

type memWriter struct {
	channels [][]float32
	closed   bool
	failAt   int
	writes   int
}

func (m *memWriter) Write(chs [][]float32, frames int) error {
	m.writes++
	if m.failAt > 0 && m.writes >= m.failAt {
		return errors.New("disk full")
	}
	if m.channels == nil {
		m.channels = make([][]float32, len(chs))
	}
	for c := range chs {
		m.channels[c] = append(m.channels[c], chs[c][:frames]...)
	}
	return nil
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}

type memFactory struct {
	mu      sync.Mutex
	writers map[string]*memWriter
	failAt  int
	openErr error
}

func (f *memFactory) open(path string, sampleRate float64, busChannels int) (BusWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.writers == nil {
		f.writers = map[string]*memWriter{}
	}
	w := &memWriter{failAt: f.failAt}
	f.writers[filepath.Base(path)] = w
	return w, nil
}

func newTestEngine(t *testing.T) (*engine.Engine, *unit.Recorder) {
	t.Helper()
	e, err := engine.New(48000, 256)
	require.NoError(t, err)
	rec := unit.NewRecorder(2)
	require.NoError(t, e.AddUnit("strings", rec))
	require.NoError(t, e.AddUnit("brass", unit.NewRecorder(2)))
	e.Router().SetStemRules([]router.StemDefinition{
		{Name: "Strings", RenderEnabled: true, Rules: []router.StemRule{{Tags: []string{"strings"}}}},
		{Name: "Brass", Rules: []router.StemRule{{Tags: []string{"brass"}}}},
	})
	e.Router().RebuildTagIndex([]tags.RosterEntry{
		{UnitID: "strings", Tags: []string{"strings"}},
		{UnitID: "brass", Tags: []string{"brass"}},
	})
	return e, rec
}

func timeline() capture.Timeline {
	return capture.Timeline{Events: []event.Tagged{
		{UnitID: "strings", Message: midi.NoteOn(0, 60, 127), TimestampMs: 1000},
		{UnitID: "brass", Message: midi.NoteOn(0, 48, 127), TimestampMs: 1010},
		{UnitID: "strings", Message: midi.NoteOff(0, 60), TimestampMs: 1020},
	}}
}

func TestRender_PlacesEventsAndWritesBuses(t *testing.T) {
	e, rec := newTestEngine(t)
	f := &memFactory{}
	var progress []float64
	res, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate:  48000,
		BlockSize:   256,
		TailSeconds: 0.01,
		OutputDir:   t.TempDir(),
		ProjectName: "My Song",
		Writers:     f.open,
		Progress:    func(p float64) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	// Last event at 960, plus 480 samples of tail.
	assert.Equal(t, int64(1440), res.Frames)
	require.Len(t, res.Files, 2)
	assert.Equal(t, router.MasterBus, res.Files[0].Bus)
	assert.Equal(t, "My_Song_Master.wav", filepath.Base(res.Files[0].Path))
	assert.Equal(t, "My_Song_Strings.wav", filepath.Base(res.Files[1].Path))

	master := f.writers["My_Song_Master.wav"]
	strings := f.writers["My_Song_Strings.wav"]
	require.NotNil(t, master)
	require.NotNil(t, strings)
	assert.True(t, master.closed)
	assert.Len(t, master.channels[0], 1440)

	assert.InDelta(t, 1.0, master.channels[0][0], 1e-6)
	assert.InDelta(t, 1.0, master.channels[0][480], 1e-6)
	assert.InDelta(t, 1.0, strings.channels[0][0], 1e-6)
	assert.Zero(t, strings.channels[0][480])

	var ch, key, vel uint8
	var onsets []int64
	for _, r := range rec.Received() {
		if r.Message.GetNoteStart(&ch, &key, &vel) {
			onsets = append(onsets, r.Sample)
		}
	}
	assert.Equal(t, []int64{0}, onsets)

	var want []float64
	for start := 0; start < 1440; start += 256 {
		want = append(want, float64(start)/1440)
	}
	assert.Equal(t, want, progress)

	assert.False(t, e.Rendering())
	assert.Equal(t, 48000.0, e.Position().SampleRate)
}

func TestRender_IsDeterministic(t *testing.T) {
	render := func() [][]float32 {
		e, err := engine.New(44100, 512)
		require.NoError(t, err)
		require.NoError(t, e.AddUnit("U1", unit.NewSine()))
		tl := capture.Timeline{Events: []event.Tagged{
			{UnitID: "U1", Message: midi.NoteOn(0, 69, 100), TimestampMs: 5},
			{UnitID: "U1", Message: midi.NoteOff(0, 69), TimestampMs: 205},
		}}
		f := &memFactory{}
		_, err = New(e).Render(context.Background(), tl, Options{
			SampleRate: 44100, BlockSize: 512, TailSeconds: 0.1, OutputDir: t.TempDir(), Writers: f.open,
		})
		require.NoError(t, err)
		return f.writers["render_Master.wav"].channels
	}
	a, b := render(), render()
	require.Equal(t, len(a[0]), len(b[0]))
	assert.Equal(t, a, b)
}

func TestRender_IgnoresLiveSideSilence(t *testing.T) {
	e, rec := newTestEngine(t)
	blocks := 0
	_, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 128, TailSeconds: 0.05, OutputDir: t.TempDir(),
		Writers: (&memFactory{}).open,
		Progress: func(float64) {
			blocks++
			if blocks == 3 {
				e.SilenceAll()
				e.ResetPlayback()
			}
		},
	})
	require.NoError(t, err)
	require.Greater(t, blocks, 3)

	for _, r := range rec.Received() {
		assert.False(t, unit.IsSilence(r.Message), "silence reached the render at sample %d", r.Sample)
	}
	assert.Len(t, rec.Received(), 2)
}

func TestRender_ZeroTail(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, TailSeconds: 0, OutputDir: t.TempDir(), Writers: (&memFactory{}).open,
	})
	require.NoError(t, err)
	// Last event at sample 960; the end is exclusive.
	assert.Equal(t, int64(961), res.Frames)
}

func TestRender_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	r := New(e)
	ctx := context.Background()

	_, err := r.Render(ctx, timeline(), Options{SampleRate: 0, BlockSize: 256})
	assert.ErrorIs(t, err, ErrInvalidSampleRate)
	_, err = r.Render(ctx, timeline(), Options{SampleRate: 48000, BlockSize: 0})
	assert.ErrorIs(t, err, ErrInvalidBlockSize)
	_, err = r.Render(ctx, capture.Timeline{}, Options{SampleRate: 48000, BlockSize: 256})
	assert.ErrorIs(t, err, ErrEmptyTimeline)
	assert.False(t, e.Rendering())
}

func TestRender_RejectsWhileBusy(t *testing.T) {
	e, _ := newTestEngine(t)
	sess, err := e.EnterRenderMode(48000, 256)
	require.NoError(t, err)
	defer sess.Close()

	_, err = New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, OutputDir: t.TempDir(), Writers: (&memFactory{}).open,
	})
	assert.ErrorIs(t, err, engine.ErrRenderBusy)
}

func TestRender_FailuresRestoreLiveMode(t *testing.T) {
	e, _ := newTestEngine(t)
	r := New(e)

	f := &memFactory{openErr: errors.New("permission denied")}
	_, err := r.Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, OutputDir: t.TempDir(), Writers: f.open,
	})
	assert.Error(t, err)
	assert.False(t, e.Rendering())

	f = &memFactory{failAt: 2}
	res, err := r.Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, OutputDir: t.TempDir(), Writers: f.open,
	})
	assert.Error(t, err)
	assert.Error(t, res.Files[0].Err)
	assert.True(t, f.writers["render_Master.wav"].closed)
	assert.False(t, e.Rendering())
	assert.True(t, e.Dispatch("strings", midi.NoteOn(0, 60, 100), 1))
}

func TestRender_ContextCancellation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := New(e).Render(ctx, timeline(), Options{
		SampleRate: 48000, BlockSize: 64, TailSeconds: 1, OutputDir: t.TempDir(),
		Writers: (&memFactory{}).open,
		Progress: func(float64) {
			calls++
			if calls == 3 {
				cancel()
			}
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
	assert.False(t, e.Rendering())
}

func TestRender_UnwritableOutputDir(t *testing.T) {
	e, _ := newTestEngine(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, OutputDir: filepath.Join(file, "sub"),
	})
	assert.Error(t, err)
	assert.False(t, e.Rendering())
}

func TestRender_SelectedBuses(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &memFactory{}
	res, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, OutputDir: t.TempDir(), Writers: f.open,
		Buses: []string{"Brass", "Missing", "Brass", router.MasterBus},
	})
	require.NoError(t, err)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "Brass", res.Files[1].Bus)
	assert.InDelta(t, 1.0, f.writers["render_Brass.wav"].channels[0][480], 1e-6)
}

func TestRender_WritesWAVFiles(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	res, err := New(e).Render(context.Background(), timeline(), Options{
		SampleRate: 48000, BlockSize: 256, TailSeconds: 0.01, OutputDir: dir, ProjectName: "demo",
	})
	require.NoError(t, err)

	f, err := os.Open(res.Files[0].Path)
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, 48000, buf.Format.SampleRate)
	assert.Equal(t, uint16(24), d.BitDepth)
	assert.Len(t, buf.Data, 1440*2)
	assert.Equal(t, 1<<23-1, buf.Data[0])
}

func TestWAVWriter_DuplicatesMono(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")
	w, err := WAVWriters(16)(path, 44100, 1)
	require.NoError(t, err)
	require.NoError(t, w.Write([][]float32{{0.5, -0.5, 2}}, 3))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, []int{16384, 16384, -16384, -16384, 32767, 32767}, buf.Data)

	_, err = WAVWriters(12)(path, 44100, 2)
	assert.Error(t, err)
}

func TestSchedule_OrdersTies(t *testing.T) {
	evs := []event.Tagged{
		{UnitID: "b", TimestampMs: 10},
		{UnitID: "a", TimestampMs: 10},
		{UnitID: "b", TimestampMs: 10},
		{UnitID: "a", TimestampMs: 5},
	}
	list := schedule(evs, 1000)
	got := make([]int, len(list))
	for i, s := range list {
		got[i] = s.index
	}
	assert.Equal(t, []int{3, 1, 0, 2}, got)
	assert.Equal(t, int64(0), list[0].sample)
	assert.Equal(t, int64(5), list[1].sample)

	assert.Equal(t, int64(6), endSample(list, 1000, 0))
	assert.Equal(t, int64(105), endSample(list, 1000, 0.1))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "My_Song_Master.wav", FileName("My Song", "Master"))
	assert.Equal(t, "render_bus.wav", FileName("  ", "../"))
	assert.Equal(t, "a_b_Strings_Hi.wav", FileName("a/b", "Strings:Hi"))
}
