package capture

import (
	"fmt"
	"io"
	"math"

	"gitlab.com/gomidi/midi/v2/smf"
)

const ticksPerQuarter = 960

// WriteSMF exports t as a format 1 Standard MIDI File with one track per
// unit, named after the unit. Times are relative to the first event.
func WriteSMF(w io.Writer, t Timeline, bpm float64) error {
	if t.Empty() {
		return ErrEmptyTimeline
	}
	if bpm <= 0 {
		bpm = 120
	}
	first, _ := t.Span()
	ticksPerMs := bpm / 60 * ticksPerQuarter / 1000

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ticksPerQuarter)

	var tempo smf.Track
	tempo.Add(0, smf.MetaTempo(bpm))
	tempo.Close(0)
	if err := s.Add(tempo); err != nil {
		return fmt.Errorf("add tempo track: %w", err)
	}

	for _, id := range t.Units() {
		var tr smf.Track
		tr.Add(0, smf.MetaTrackSequenceName(id))
		var prev uint32
		for _, ev := range t.Events {
			if ev.UnitID != id {
				continue
			}
			tick := uint32(math.Round(float64(ev.TimestampMs-first) * ticksPerMs))
			tr.Add(tick-prev, ev.Message)
			prev = tick
		}
		tr.Close(0)
		if err := s.Add(tr); err != nil {
			return fmt.Errorf("add track %q: %w", id, err)
		}
	}
	if _, err := s.WriteTo(w); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	return nil
}
