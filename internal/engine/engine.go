// Package engine drives units once per audio block.
//
// Producers on any goroutine call Dispatch or SendLive. The audio goroutine
// calls ProcessBlock, which snapshots the transport, drains the scheduling
// queue into per-unit MIDI buffers, runs every unit, and hands the output to
// the router and the host buffer. A unit that errors or panics is silenced
// for that block; nothing on the block path propagates a failure outward.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/logging"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/unit"
)

var (
	ErrRenderBusy    = errors.New("engine is in render mode")
	ErrInvalidConfig = errors.New("sample rate and block size must be positive")
	ErrUnknownUnit   = errors.New("unknown unit")
	ErrDuplicateUnit = errors.New("unit already registered")
)

// Observer is notified of every event accepted by Dispatch or SendLive, on
// the producer's goroutine.
type Observer interface {
	Observe(ev event.Tagged)
}

type observerHolder struct {
	o Observer
}

// Stats are cumulative engine counters.
type Stats struct {
	Blocks     uint64
	Delivered  uint64
	Late       uint64
	Dropped    uint64
	Purged     uint64
	UnitFaults uint64
}

type slot struct {
	id     string
	unit   unit.Unit
	midi   *unit.MIDIBuffer
	live   *unit.MIDIBuffer // guarded by Engine.liveMu
	out    [][]float32
	view   [][]float32
	faults atomic.Uint64
}

func newSlot(id string, u unit.Unit, frames, midiCap int) *slot {
	s := &slot{
		id:   id,
		unit: u,
		midi: unit.NewMIDIBuffer(midiCap),
		live: unit.NewMIDIBuffer(midiCap / 4),
	}
	s.resize(frames)
	return s
}

func (s *slot) resize(frames int) {
	channels := unit.OutputChannels(s.unit)
	if len(s.out) == channels && len(s.out) > 0 && cap(s.out[0]) >= frames {
		return
	}
	s.out = make([][]float32, channels)
	for c := range s.out {
		s.out[c] = make([]float32, frames)
	}
	s.view = make([][]float32, channels)
}

// block returns the unit's output trimmed to n frames without allocating.
func (s *slot) block(n int) [][]float32 {
	for c := range s.out {
		s.view[c] = s.out[c][:n]
	}
	return s.view
}

// unitTable is published atomically and never mutated after Store.
type unitTable struct {
	byID   map[string]*slot
	order  []*slot
	active func(unitID string) bool
}

func newUnitTable(slots map[string]*slot) *unitTable {
	t := &unitTable{byID: slots, order: make([]*slot, 0, len(slots))}
	for _, s := range slots {
		t.order = append(t.order, s)
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i].id < t.order[j].id })
	t.active = func(unitID string) bool {
		_, ok := t.byID[unitID]
		return ok
	}
	return t
}

type Engine struct {
	cfg    config
	log    *zap.Logger
	queue  *event.Queue
	router *router.Router

	unitsMu sync.Mutex // serializes unit table writers and reconfiguration
	units   atomic.Pointer[unitTable]

	liveMu sync.Mutex

	// blockMu is held by the audio goroutine for the duration of one block.
	// Fields below it are only touched with blockMu held.
	blockMu    sync.Mutex
	sampleRate float64
	blockSize  int
	samplePos  int64
	playing    bool
	lastBlock  int
	deliveries []event.Delivery
	hostView   [][]float32

	// Published copies of the transport for readers on other goroutines.
	pubSamplePos  atomic.Int64
	pubPlaying    atomic.Bool
	pubSampleRate atomic.Uint64
	pubBlockSize  atomic.Int64
	bpm           atomic.Uint64

	rendering atomic.Bool
	silence   atomic.Bool
	observer  atomic.Pointer[observerHolder]

	blocks     atomic.Uint64
	delivered  atomic.Uint64
	late       atomic.Uint64
	dropped    atomic.Uint64
	purged     atomic.Uint64
	unitFaults atomic.Uint64

	faultLog *logging.Limiter
	dropLog  *logging.Limiter
}

// New creates an engine for the given live sample rate and maximum block
// size.
func New(sampleRate float64, blockSize int, opts ...Option) (*Engine, error) {
	if sampleRate <= 0 || blockSize <= 0 {
		return nil, ErrInvalidConfig
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &Engine{
		cfg:        cfg,
		log:        logging.OrNop(cfg.logger),
		queue:      event.NewQueue(cfg.queueCap),
		router:     router.New(),
		sampleRate: sampleRate,
		blockSize:  blockSize,
		deliveries: make([]event.Delivery, 0, 1024),
		hostView:   make([][]float32, cfg.channels),
		faultLog:   logging.NewLimiter(time.Second),
		dropLog:    logging.NewLimiter(time.Second),
	}
	e.units.Store(newUnitTable(map[string]*slot{}))
	e.router.Prepare(sampleRate, blockSize, cfg.channels)
	e.SetBPM(cfg.bpm)
	e.publishLocked()
	return e, nil
}

func (e *Engine) Router() *router.Router { return e.router }
func (e *Engine) Queue() *event.Queue    { return e.queue }
func (e *Engine) Channels() int          { return e.cfg.channels }

// AddUnit prepares u at the current configuration and makes it active from
// the next block.
func (e *Engine) AddUnit(id string, u unit.Unit) error {
	id = strings.TrimSpace(id)
	if id == "" || u == nil {
		return fmt.Errorf("add unit %q: id and unit are required", id)
	}
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	old := e.units.Load()
	if _, exists := old.byID[id]; exists {
		return fmt.Errorf("add unit %q: %w", id, ErrDuplicateUnit)
	}
	sampleRate, blockSize := e.liveConfig()
	if err := u.Prepare(sampleRate, blockSize); err != nil {
		return fmt.Errorf("prepare unit %q: %w", id, err)
	}
	slots := make(map[string]*slot, len(old.byID)+1)
	for k, v := range old.byID {
		slots[k] = v
	}
	slots[id] = newSlot(id, u, blockSize, e.cfg.midiCap)
	e.units.Store(newUnitTable(slots))
	e.log.Debug("unit added", zap.String("unit", id))
	return nil
}

// RemoveUnit deactivates a unit, waits for any in-flight block and releases
// it. Its pending events are purged at the start of the next block.
func (e *Engine) RemoveUnit(id string) error {
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	old := e.units.Load()
	s, ok := old.byID[id]
	if !ok {
		return fmt.Errorf("remove unit %q: %w", id, ErrUnknownUnit)
	}
	slots := make(map[string]*slot, len(old.byID))
	for k, v := range old.byID {
		if k != id {
			slots[k] = v
		}
	}
	e.units.Store(newUnitTable(slots))
	e.blockMu.Lock()
	e.blockMu.Unlock()
	s.unit.Release()
	e.log.Debug("unit removed", zap.String("unit", id))
	return nil
}

// Units returns the active unit IDs in processing order.
func (e *Engine) Units() []string {
	t := e.units.Load()
	out := make([]string, len(t.order))
	for i, s := range t.order {
		out[i] = s.id
	}
	return out
}

// Unit returns the registered unit for id.
func (e *Engine) Unit(id string) (unit.Unit, bool) {
	s, ok := e.units.Load().byID[id]
	if !ok {
		return nil, false
	}
	return s.unit, true
}

// UnitFaults returns how many blocks the unit has been silenced for.
func (e *Engine) UnitFaults(id string) uint64 {
	s, ok := e.units.Load().byID[id]
	if !ok {
		return 0
	}
	return s.faults.Load()
}

func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		e.observer.Store(nil)
		return
	}
	e.observer.Store(&observerHolder{o: o})
}

func (e *Engine) notify(ev event.Tagged) {
	if h := e.observer.Load(); h != nil {
		h.o.Observe(ev)
	}
}

// Dispatch queues msg for unitID. A timestamp ≤ 0 means deliver at the start
// of the next block. Dispatch returns false while rendering or for malformed
// input.
func (e *Engine) Dispatch(unitID string, msg midi.Message, timestampMs int64) bool {
	if e.rendering.Load() || unitID == "" || len(msg) == 0 {
		return false
	}
	ev := event.Tagged{UnitID: unitID, Message: msg, TimestampMs: timestampMs}
	e.notify(ev)
	e.insert(ev)
	return true
}

// SendLive routes real-time input straight to a unit's live buffer for the
// next block.
func (e *Engine) SendLive(unitID string, msg midi.Message) bool {
	if e.rendering.Load() || len(msg) == 0 {
		return false
	}
	s, ok := e.units.Load().byID[unitID]
	if !ok {
		return false
	}
	e.notify(event.Tagged{UnitID: unitID, Message: msg})
	e.liveMu.Lock()
	s.live.Add(0, msg)
	e.liveMu.Unlock()
	return true
}

// Schedule inserts an event without notifying the observer. Preview uses it
// to re-stage captured events.
func (e *Engine) Schedule(evs ...event.Tagged) {
	if e.rendering.Load() {
		return
	}
	if n := e.queue.InsertAll(evs); n > 0 {
		e.onDropped(n)
	}
}

func (e *Engine) insert(ev event.Tagged) {
	if n := e.queue.Insert(ev); n > 0 {
		e.onDropped(n)
	}
}

func (e *Engine) onDropped(n int) {
	total := e.dropped.Add(uint64(n))
	if e.dropLog.Allow() {
		e.log.Warn("scheduling queue full, dropped far-future events",
			zap.Int("dropped", n), zap.Uint64("total", total), zap.Int("capacity", e.queue.Capacity()))
	}
}

// ClearQueue drops every pending scheduled event.
func (e *Engine) ClearQueue() {
	e.queue.Clear()
}

// SilenceAll sends all-sound-off and all-notes-off on every channel to every
// unit at the start of the next live block. It is ignored while rendering;
// leaving render mode silences every unit anyway.
func (e *Engine) SilenceAll() {
	if e.rendering.Load() {
		return
	}
	e.silence.Store(true)
}

// ResetPlayback stops the transport, rewinds to sample 0, clears the queue
// and requests silence. It takes effect between blocks and is ignored while
// rendering.
func (e *Engine) ResetPlayback() {
	if e.rendering.Load() {
		return
	}
	e.blockMu.Lock()
	if e.rendering.Load() {
		e.blockMu.Unlock()
		return
	}
	e.queue.Clear()
	e.samplePos = 0
	e.playing = false
	e.publishLocked()
	e.blockMu.Unlock()
	e.silence.Store(true)
}

func (e *Engine) SetBPM(bpm float64) {
	if bpm <= 0 {
		return
	}
	e.bpm.Store(math.Float64bits(bpm))
}

func (e *Engine) BPM() float64 {
	return math.Float64frombits(e.bpm.Load())
}

// Position returns the most recently published transport position.
func (e *Engine) Position() unit.Position {
	return unit.NewPosition(
		e.pubSamplePos.Load(),
		math.Float64frombits(e.pubSampleRate.Load()),
		e.BPM(),
		int(e.pubBlockSize.Load()),
		e.pubPlaying.Load(),
	)
}

func (e *Engine) Rendering() bool { return e.rendering.Load() }

func (e *Engine) Stats() Stats {
	return Stats{
		Blocks:     e.blocks.Load(),
		Delivered:  e.delivered.Load(),
		Late:       e.late.Load(),
		Dropped:    e.dropped.Load(),
		Purged:     e.purged.Load(),
		UnitFaults: e.unitFaults.Load(),
	}
}

// Inspect runs fn between blocks with the router and the size of the last
// processed block. Use it for diagnostics that read bus buffers.
func (e *Engine) Inspect(fn func(r *router.Router, lastBlock int)) {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	fn(e.router, e.lastBlock)
}

// Prepare changes the live sample rate and block size and re-prepares every
// unit and bus.
func (e *Engine) Prepare(sampleRate float64, blockSize int) error {
	if sampleRate <= 0 || blockSize <= 0 {
		return ErrInvalidConfig
	}
	if e.rendering.Load() {
		return ErrRenderBusy
	}
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	return e.reconfigureLocked(sampleRate, blockSize)
}

func (e *Engine) liveConfig() (float64, int) {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	return e.sampleRate, e.blockSize
}

// reconfigureLocked requires unitsMu and blockMu.
func (e *Engine) reconfigureLocked(sampleRate float64, blockSize int) error {
	var firstErr error
	for _, s := range e.units.Load().order {
		if err := s.unit.Prepare(sampleRate, blockSize); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("prepare unit %q: %w", s.id, err)
		}
		s.resize(blockSize)
		s.midi.Clear()
	}
	e.router.Prepare(sampleRate, blockSize, e.cfg.channels)
	e.sampleRate = sampleRate
	e.blockSize = blockSize
	e.publishLocked()
	return firstErr
}

func (e *Engine) publishLocked() {
	e.pubSamplePos.Store(e.samplePos)
	e.pubPlaying.Store(e.playing)
	e.pubSampleRate.Store(math.Float64bits(e.sampleRate))
	e.pubBlockSize.Store(int64(e.blockSize))
}
