package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/unit"
)

// ProcessBlock renders n frames into out, which is cleared first. Requests
// larger than the prepared block size are split into sub-blocks. While the
// engine is rendering offline the live path is bypassed and out stays
// silent.
func (e *Engine) ProcessBlock(out [][]float32, n int) {
	for c := range out {
		clear(out[c][:min(n, len(out[c]))])
	}
	if n <= 0 || e.rendering.Load() {
		return
	}
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	if e.rendering.Load() {
		return
	}
	if len(out) > cap(e.hostView) {
		e.hostView = make([][]float32, len(out))
	}
	view := e.hostView[:len(out)]
	for done := 0; done < n; {
		m := min(e.blockSize, n-done)
		for c := range out {
			end := min(done+m, len(out[c]))
			view[c] = out[c][min(done, end):end]
		}
		e.liveBlockLocked(view, m)
		done += m
	}
}

func (e *Engine) liveBlockLocked(host [][]float32, n int) {
	tbl := e.units.Load()
	startOfPlayback := !e.playing
	e.playing = true
	pos := unit.NewPosition(e.samplePos, e.sampleRate, e.BPM(), e.blockSize, true)

	if removed := e.queue.PurgeUnits(tbl.active); removed > 0 {
		e.purged.Add(uint64(removed))
	}

	e.deliveries = e.queue.PopDeliverable(e.samplePos, n, e.sampleRate, e.deliveries[:0])
	grace := int64(e.cfg.graceBlocks * float64(e.blockSize))
	if late := classifyLate(e.deliveries, startOfPlayback, grace); late > 0 {
		e.late.Add(late)
	}

	e.runBlockLocked(tbl, pos, e.deliveries, n, host, true)
	e.samplePos += int64(n)
	e.publishLocked()
}

// classifyLate clears the Late flag on deliveries within the start-of-playback
// grace window and returns how many remain late.
func classifyLate(ds []event.Delivery, startOfPlayback bool, grace int64) uint64 {
	var late uint64
	for i := range ds {
		d := &ds[i]
		if !d.Late {
			continue
		}
		// Clock-origin jitter between producer and transport start.
		if startOfPlayback && d.Lateness <= grace {
			d.Late = false
			continue
		}
		late++
	}
	return late
}

// runBlockLocked is the shared per-block pipeline for live playback and
// offline rendering: build each unit's MIDI, process, route, mix.
func (e *Engine) runBlockLocked(tbl *unitTable, pos unit.Position, deliveries []event.Delivery, n int, host [][]float32, withLive bool) {
	// Render blocks leave pending live silence for the live path.
	silence := withLive && e.silence.Swap(false)
	for _, s := range tbl.order {
		s.midi.Clear()
		if silence {
			for _, m := range unit.SilenceMessages() {
				s.midi.Add(0, m)
			}
		}
	}
	for _, d := range deliveries {
		s := tbl.byID[d.Event.UnitID]
		if s == nil {
			continue
		}
		s.midi.Add(d.Offset, d.Event.Message)
	}
	if withLive {
		e.liveMu.Lock()
		for _, s := range tbl.order {
			s.midi.Merge(s.live)
			s.live.Clear()
		}
		e.liveMu.Unlock()
	}

	e.router.BeginBlock(n)
	for _, s := range tbl.order {
		out := s.block(n)
		e.processUnit(s, pos, out)
		e.router.RouteAudio(s.id, out, n)
		mixHost(host, out, n)
	}
	e.delivered.Add(uint64(len(deliveries)))
	e.blocks.Add(1)
	e.lastBlock = n
}

func (e *Engine) processUnit(s *slot, pos unit.Position, out [][]float32) {
	for c := range out {
		clear(out[c])
	}
	defer func() {
		if r := recover(); r != nil {
			e.unitFault(s, out, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.unit.Process(pos, s.midi, out); err != nil {
		e.unitFault(s, out, err)
	}
}

func (e *Engine) unitFault(s *slot, out [][]float32, err error) {
	for c := range out {
		clear(out[c])
	}
	s.faults.Add(1)
	e.unitFaults.Add(1)
	if e.faultLog.Allow() {
		e.log.Warn("unit silenced for block", zap.String("unit", s.id), zap.Error(err))
	}
}

// mixHost adds src into the host buffer, folding extra source channels onto
// the last host channel.
func mixHost(host, src [][]float32, n int) {
	if len(host) == 0 {
		return
	}
	for c, ch := range src {
		hc := min(c, len(host)-1)
		dst := host[hc]
		m := min(n, len(dst), len(ch))
		for i := 0; i < m; i++ {
			dst[i] += ch[i]
		}
	}
}
