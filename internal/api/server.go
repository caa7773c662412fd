// Package api exposes the host over HTTP: event ingestion, roster and stem
// management, capture and preview control, meters, takes and rendering.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/logging"
	"github.com/cbegin/stemhost-go/internal/render"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/tags"
	"github.com/cbegin/stemhost-go/internal/takes"
	"github.com/cbegin/stemhost-go/internal/unit"
)

// Controller is the host surface the server drives.
type Controller interface {
	Dispatch(unitID string, msg midi.Message, timestampMs int64) bool
	SendLive(unitID string, msg midi.Message) bool
	NowMs() int64
	Units() []string

	RebuildTagIndex(roster []tags.RosterEntry)
	SetStemRules(defs []router.StemDefinition)
	StemDefinitions() []router.StemDefinition

	SilenceAll()
	ResetPlayback()
	Stats() engine.Stats
	Position() unit.Position
	Meters() map[string]float64

	StartCapture()
	StopCapture()
	ClearCapture()
	PreviewPlay() error
	PreviewPause()
	PreviewStop()
	CaptureState() capture.State
	Snapshot() capture.Timeline
	LoadTimeline(tl capture.Timeline) error
	ExportMIDI(w io.Writer) error

	Render(ctx context.Context, opts render.Options) (render.Result, error)
}

// TakeStore is the archive behind the /takes endpoints.
type TakeStore interface {
	Save(ctx context.Context, name string, tl capture.Timeline) (takes.Take, error)
	List(ctx context.Context) ([]takes.Take, error)
	Load(ctx context.Context, id string) (capture.Timeline, error)
	Delete(ctx context.Context, id string) error
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithTakes enables the take archive endpoints.
func WithTakes(store TakeStore) Option {
	return func(s *Server) { s.takes = store }
}

type Server struct {
	ctl    Controller
	takes  TakeStore
	log    *zap.Logger
	router *gin.Engine
}

func New(ctl Controller, opts ...Option) *Server {
	s := &Server{ctl: ctl, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", s.health)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/status", s.status)
		v1.GET("/meters", s.meters)

		v1.POST("/events", s.postEvents)
		v1.POST("/silence", s.silence)
		v1.POST("/reset", s.reset)

		v1.PUT("/roster", s.putRoster)
		v1.GET("/stems", s.getStems)
		v1.PUT("/stems", s.putStems)
		v1.GET("/stems.xml", s.getStemsXML)
		v1.PUT("/stems.xml", s.putStemsXML)

		v1.POST("/capture/start", s.captureStart)
		v1.POST("/capture/stop", s.captureStop)
		v1.POST("/capture/clear", s.captureClear)
		v1.GET("/capture", s.getCapture)
		v1.PUT("/capture", s.putCapture)
		v1.GET("/capture.mid", s.getCaptureMIDI)

		v1.POST("/preview/play", s.previewPlay)
		v1.POST("/preview/pause", s.previewPause)
		v1.POST("/preview/stop", s.previewStop)

		v1.POST("/render", s.render)

		v1.GET("/takes", s.listTakes)
		v1.POST("/takes", s.saveTake)
		v1.POST("/takes/:id/load", s.loadTake)
		v1.DELETE("/takes/:id", s.deleteTake)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "stemhost"})
}
