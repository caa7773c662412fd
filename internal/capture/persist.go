package capture

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/event"
)

// DocumentVersion is the capture file format written by Encode.
const DocumentVersion = 1

var ErrInvalidDocument = errors.New("invalid capture document")

type document struct {
	Version   int             `json:"version"`
	SessionID string          `json:"sessionId"`
	OriginMs  int64           `json:"originMs"`
	Events    []documentEvent `json:"events"`
}

type documentEvent struct {
	UnitID      string `json:"unitId"`
	TimestampMs int64  `json:"timestampMs"`
	Message     string `json:"message"`
}

// Encode writes t as a JSON capture document. Messages are base64 encoded.
func Encode(w io.Writer, t Timeline) error {
	doc := document{
		Version:   DocumentVersion,
		SessionID: t.SessionID,
		OriginMs:  t.OriginMs,
		Events:    make([]documentEvent, len(t.Events)),
	}
	for i, ev := range t.Events {
		doc.Events[i] = documentEvent{
			UnitID:      ev.UnitID,
			TimestampMs: ev.TimestampMs,
			Message:     base64.StdEncoding.EncodeToString(ev.Message),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode capture: %w", err)
	}
	return nil
}

// Decode reads a capture document. Events are stable-sorted by timestamp.
func Decode(r io.Reader) (Timeline, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Timeline{}, fmt.Errorf("decode capture: %w", err)
	}
	if doc.Version < 1 || doc.Version > DocumentVersion {
		return Timeline{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidDocument, doc.Version)
	}
	t := Timeline{
		SessionID: doc.SessionID,
		OriginMs:  doc.OriginMs,
		Events:    make([]event.Tagged, 0, len(doc.Events)),
	}
	for i, de := range doc.Events {
		if de.UnitID == "" {
			return Timeline{}, fmt.Errorf("%w: event %d has no unit", ErrInvalidDocument, i)
		}
		raw, err := base64.StdEncoding.DecodeString(de.Message)
		if err != nil {
			return Timeline{}, fmt.Errorf("%w: event %d message: %v", ErrInvalidDocument, i, err)
		}
		if len(raw) == 0 {
			return Timeline{}, fmt.Errorf("%w: event %d has an empty message", ErrInvalidDocument, i)
		}
		t.Events = append(t.Events, event.Tagged{
			UnitID:      de.UnitID,
			TimestampMs: de.TimestampMs,
			Message:     midi.Message(raw),
		})
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		return t.Events[i].TimestampMs < t.Events[j].TimestampMs
	})
	return t, nil
}

// Save writes the current timeline.
func (r *Recorder) Save(w io.Writer) error {
	return Encode(w, r.Snapshot())
}

// Load replaces the timeline with the document read from rd. The existing
// timeline is kept if decoding fails.
func (r *Recorder) Load(rd io.Reader) error {
	t, err := Decode(rd)
	if err != nil {
		return err
	}
	return r.Replace(t)
}
