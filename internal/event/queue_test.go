package event

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
)

func ev(unit string, ts int64) Tagged {
	return Tagged{UnitID: unit, Message: midi.NoteOn(0, 60, 100), TimestampMs: ts}
}

func timestamps(evs []Tagged) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.TimestampMs
	}
	return out
}

func TestQueue_OverflowEvictsFarFuture(t *testing.T) {
	q := NewQueue(3)
	dropped := 0
	for _, ts := range []int64{10, 50, 5, 100, 20} {
		dropped += q.Insert(ev("U1", ts))
	}

	assert.Equal(t, 2, dropped)
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, []int64{5, 10, 20}, timestamps(q.Snapshot()))
}

func TestQueue_CapKeepsSmallestTimestamps(t *testing.T) {
	const capacity = 100
	q := NewQueue(capacity)
	rng := rand.New(rand.NewSource(7))
	all := make([]int64, 0, 1000)
	for i := 0; i < 1000; i++ {
		ts := rng.Int63n(100000) + 1
		all = append(all, ts)
		q.Insert(ev("U1", ts))
	}

	got := timestamps(q.Snapshot())
	require.Len(t, got, capacity)

	sorted := append([]int64(nil), all...)
	sortInt64(sorted)
	assert.Equal(t, sorted[:capacity], got)
}

func TestQueue_DrainOrderIsNonDecreasing(t *testing.T) {
	q := NewQueue(0)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		q.Insert(ev("U1", rng.Int63n(5000)+1))
	}

	var drained []Delivery
	var pos int64
	for q.Len() > 0 {
		drained = q.PopDeliverable(pos, 512, 48000, drained)
		pos += 512
	}

	require.Len(t, drained, 500)
	for i := 1; i < len(drained); i++ {
		assert.LessOrEqual(t, drained[i-1].Event.TimestampMs, drained[i].Event.TimestampMs)
	}
}

func TestQueue_EqualTimestampsKeepInsertionOrder(t *testing.T) {
	q := NewQueue(0)
	q.Insert(ev("A", 10))
	q.Insert(ev("B", 10))
	q.Insert(ev("C", 5))
	q.Insert(ev("D", 10))

	got := q.Snapshot()
	ids := []string{got[0].UnitID, got[1].UnitID, got[2].UnitID, got[3].UnitID}
	assert.Equal(t, []string{"C", "A", "B", "D"}, ids)
}

func TestQueue_TimestampToBlockIndex(t *testing.T) {
	const sampleRate = 44100.0
	const block = 512
	assert.Equal(t, int64(44100), Offset(1000, sampleRate, 0))

	q := NewQueue(0)
	q.Insert(ev("U1", 1000))

	var pos int64
	for blockIndex := 0; blockIndex < 200; blockIndex++ {
		out := q.PopDeliverable(pos, block, sampleRate, nil)
		if len(out) > 0 {
			assert.Equal(t, 86, blockIndex)
			assert.Equal(t, 44100-86*512, out[0].Offset)
			assert.False(t, out[0].Late)
			return
		}
		pos += block
	}
	t.Fatal("event never delivered")
}

func TestQueue_LateAndImmediateLandAtOffsetZero(t *testing.T) {
	q := NewQueue(0)
	q.Insert(ev("late", 100))
	q.Insert(ev("now", 0))
	q.Insert(ev("neg", -5))
	q.Insert(ev("future", 10000))

	// Block starts at one second: the 100 ms event is 43200 samples behind.
	out := q.PopDeliverable(48000, 512, 48000, nil)
	require.Len(t, out, 3)
	for _, d := range out {
		assert.Equal(t, 0, d.Offset, d.Event.UnitID)
	}
	assert.Equal(t, "neg", out[0].Event.UnitID)
	assert.Equal(t, "now", out[1].Event.UnitID)
	assert.Equal(t, "late", out[2].Event.UnitID)
	assert.True(t, out[2].Late)
	assert.Equal(t, int64(48000-4800), out[2].Lateness)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PurgeUnits(t *testing.T) {
	q := NewQueue(0)
	q.Insert(ev("keep", 1))
	q.Insert(ev("gone", 2))
	q.Insert(ev("keep", 3))

	removed := q.PurgeUnits(func(id string) bool { return id == "keep" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, []int64{1, 3}, timestamps(q.Snapshot()))
}

func TestQueue_MalformedWindowIsNoop(t *testing.T) {
	q := NewQueue(0)
	q.Insert(ev("U1", 0))
	assert.Empty(t, q.PopDeliverable(0, 0, 48000, nil))
	assert.Empty(t, q.PopDeliverable(0, 512, 0, nil))
	assert.Equal(t, 1, q.Len())
}

func TestClampOffset(t *testing.T) {
	assert.Equal(t, 0, ClampOffset(-3, 512))
	assert.Equal(t, 511, ClampOffset(900, 512))
	assert.Equal(t, 17, ClampOffset(17, 512))
}

func sortInt64(v []int64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

func BenchmarkQueuePopDeliverable(b *testing.B) {
	q := NewQueue(0)
	dst := make([]Delivery, 0, 256)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		q.Insert(ev("U1", int64(i%1000)+1))
		dst = q.PopDeliverable(int64(i)*512, 512, 48000, dst[:0])
	}
}
