package engine

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/event"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/unit"
)

var ErrSessionClosed = errors.New("render session closed")

// RenderSession holds the engine in render mode. While it is open the live
// block path outputs silence, Dispatch and SendLive are rejected, and blocks
// are driven only through the session.
type RenderSession struct {
	e *Engine

	mu     sync.Mutex
	closed bool

	savedRate      float64
	savedBlockSize int
	savedPos       int64
	savedPlaying   bool
}

// EnterRenderMode switches the engine to offline rendering at the given
// configuration. Only one session may be open at a time.
func (e *Engine) EnterRenderMode(sampleRate float64, blockSize int) (*RenderSession, error) {
	if sampleRate <= 0 || blockSize <= 0 {
		return nil, ErrInvalidConfig
	}
	if !e.rendering.CompareAndSwap(false, true) {
		return nil, ErrRenderBusy
	}
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	s := &RenderSession{
		e:              e,
		savedRate:      e.sampleRate,
		savedBlockSize: e.blockSize,
		savedPos:       e.samplePos,
		savedPlaying:   e.playing,
	}
	if err := e.reconfigureLocked(sampleRate, blockSize); err != nil {
		if rerr := e.reconfigureLocked(s.savedRate, s.savedBlockSize); rerr != nil {
			e.log.Error("restore live configuration", zap.Error(rerr))
		}
		e.rendering.Store(false)
		return nil, err
	}
	e.samplePos = 0
	e.playing = true
	e.silence.Store(false)
	e.liveMu.Lock()
	for _, sl := range e.units.Load().order {
		sl.live.Clear()
	}
	e.liveMu.Unlock()
	e.log.Info("render mode entered", zap.Float64("sampleRate", sampleRate), zap.Int("blockSize", blockSize))
	return s, nil
}

// ProcessBlock runs one offline block with pre-resolved deliveries. host may
// be nil when only bus output is needed.
func (s *RenderSession) ProcessBlock(deliveries []event.Delivery, n int, host [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	e := s.e
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > e.blockSize {
		n = e.blockSize
	}
	pos := unit.NewPosition(e.samplePos, e.sampleRate, e.BPM(), e.blockSize, true)
	e.runBlockLocked(e.units.Load(), pos, deliveries, n, host, false)
	e.samplePos += int64(n)
	return nil
}

// Router exposes the engine's buses; read them after each ProcessBlock.
func (s *RenderSession) Router() *router.Router { return s.e.router }

// SamplePosition returns the number of frames rendered so far.
func (s *RenderSession) SamplePosition() int64 {
	s.e.blockMu.Lock()
	defer s.e.blockMu.Unlock()
	return s.e.samplePos
}

// Close restores the live configuration and leaves render mode. It is safe
// to call more than once.
func (s *RenderSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	e := s.e
	e.unitsMu.Lock()
	defer e.unitsMu.Unlock()
	e.blockMu.Lock()
	err := e.reconfigureLocked(s.savedRate, s.savedBlockSize)
	e.samplePos = s.savedPos
	e.playing = s.savedPlaying
	e.publishLocked()
	e.blockMu.Unlock()
	e.silence.Store(true)
	e.rendering.Store(false)
	e.log.Info("render mode left")
	return err
}
