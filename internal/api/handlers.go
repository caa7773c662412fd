package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/engine"
	"github.com/cbegin/stemhost-go/internal/render"
	"github.com/cbegin/stemhost-go/internal/router"
	"github.com/cbegin/stemhost-go/internal/tags"
	"github.com/cbegin/stemhost-go/internal/takes"
)

const maxBodyBytes = 8 << 20

// EventRequest is one MIDI message addressed to a unit. Data holds the raw
// message bytes. Live events bypass the scheduling queue.
type EventRequest struct {
	UnitID      string `json:"unitId" binding:"required"`
	TimestampMs int64  `json:"timestampMs"`
	Data        []int  `json:"data" binding:"required"`
	Live        bool   `json:"live"`
}

func (e EventRequest) message() (midi.Message, error) {
	if len(e.Data) == 0 || len(e.Data) > 3 {
		return nil, fmt.Errorf("message must be 1 to 3 bytes, got %d", len(e.Data))
	}
	msg := make(midi.Message, len(e.Data))
	for i, b := range e.Data {
		if b < 0 || b > 0xFF {
			return nil, fmt.Errorf("byte %d out of range: %d", i, b)
		}
		msg[i] = byte(b)
	}
	if msg[0] < 0x80 {
		return nil, fmt.Errorf("first byte 0x%02X is not a status byte", msg[0])
	}
	return msg, nil
}

type eventsRequest struct {
	Events []EventRequest `json:"events" binding:"required,dive"`
}

func (s *Server) postEvents(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	accepted := 0
	var rejected []int
	for i, ev := range req.Events {
		msg, err := ev.message()
		if err != nil {
			fail(c, http.StatusBadRequest, fmt.Errorf("events[%d]: %w", i, err))
			return
		}
		var ok bool
		if ev.Live {
			ok = s.ctl.SendLive(ev.UnitID, msg)
		} else {
			ok = s.ctl.Dispatch(ev.UnitID, msg, ev.TimestampMs)
		}
		if ok {
			accepted++
		} else {
			rejected = append(rejected, i)
		}
	}
	status := http.StatusAccepted
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"accepted": accepted, "rejected": rejected, "nowMs": s.ctl.NowMs()})
}

type statusResponse struct {
	Units          []string     `json:"units"`
	SamplePosition int64        `json:"samplePosition"`
	Seconds        float64      `json:"seconds"`
	PPQ            float64      `json:"ppq"`
	Playing        bool         `json:"playing"`
	Capture        string       `json:"capture"`
	NowMs          int64        `json:"nowMs"`
	Stats          engine.Stats `json:"stats"`
}

func (s *Server) status(c *gin.Context) {
	pos := s.ctl.Position()
	c.JSON(http.StatusOK, statusResponse{
		Units:          s.ctl.Units(),
		SamplePosition: pos.SamplePosition,
		Seconds:        pos.Seconds,
		PPQ:            pos.PPQ,
		Playing:        pos.Playing,
		Capture:        s.ctl.CaptureState().String(),
		NowMs:          s.ctl.NowMs(),
		Stats:          s.ctl.Stats(),
	})
}

func (s *Server) meters(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Meters())
}

func (s *Server) silence(c *gin.Context) {
	s.ctl.SilenceAll()
	c.Status(http.StatusNoContent)
}

func (s *Server) reset(c *gin.Context) {
	s.ctl.ResetPlayback()
	c.Status(http.StatusNoContent)
}

func (s *Server) putRoster(c *gin.Context) {
	var roster []tags.RosterEntry
	if err := c.ShouldBindJSON(&roster); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.ctl.RebuildTagIndex(roster)
	c.Status(http.StatusNoContent)
}

func (s *Server) getStems(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.StemDefinitions())
}

func (s *Server) putStems(c *gin.Context) {
	var defs []router.StemDefinition
	if err := c.ShouldBindJSON(&defs); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.ctl.SetStemRules(defs)
	c.JSON(http.StatusOK, s.ctl.StemDefinitions())
}

func (s *Server) getStemsXML(c *gin.Context) {
	data, err := router.MarshalStemsXML(s.ctl.StemDefinitions())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", data)
}

func (s *Server) putStemsXML(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	defs, err := router.UnmarshalStemsXML(data)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	s.ctl.SetStemRules(defs)
	c.JSON(http.StatusOK, s.ctl.StemDefinitions())
}

func (s *Server) captureState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.ctl.CaptureState().String()})
}

func (s *Server) captureStart(c *gin.Context) {
	s.ctl.StartCapture()
	s.captureState(c)
}

func (s *Server) captureStop(c *gin.Context) {
	s.ctl.StopCapture()
	s.captureState(c)
}

func (s *Server) captureClear(c *gin.Context) {
	s.ctl.ClearCapture()
	s.captureState(c)
}

func (s *Server) getCapture(c *gin.Context) {
	var buf bytes.Buffer
	if err := capture.Encode(&buf, s.ctl.Snapshot()); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}

func (s *Server) putCapture(c *gin.Context) {
	tl, err := capture.Decode(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.ctl.LoadTimeline(tl); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": len(tl.Events)})
}

func (s *Server) getCaptureMIDI(c *gin.Context) {
	var buf bytes.Buffer
	if err := s.ctl.ExportMIDI(&buf); err != nil {
		if errors.Is(err, capture.ErrEmptyTimeline) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="capture.mid"`)
	c.Data(http.StatusOK, "audio/midi", buf.Bytes())
}

func (s *Server) previewPlay(c *gin.Context) {
	if err := s.ctl.PreviewPlay(); err != nil {
		status := http.StatusConflict
		if errors.Is(err, capture.ErrEmptyTimeline) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	s.captureState(c)
}

func (s *Server) previewPause(c *gin.Context) {
	s.ctl.PreviewPause()
	s.captureState(c)
}

func (s *Server) previewStop(c *gin.Context) {
	s.ctl.PreviewStop()
	s.captureState(c)
}

// RenderRequest overrides the host's render defaults. An absent tailSeconds
// keeps the configured tail; 0 renders none.
type RenderRequest struct {
	SampleRate  float64  `json:"sampleRate"`
	BlockSize   int      `json:"blockSize"`
	TailSeconds *float64 `json:"tailSeconds"`
	Buses       []string `json:"buses"`
	ProjectName string   `json:"projectName"`
}

type renderFile struct {
	Bus    string `json:"bus"`
	Path   string `json:"path"`
	Frames int64  `json:"frames"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) render(c *gin.Context) {
	var req RenderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	tail := -1.0
	if req.TailSeconds != nil {
		tail = *req.TailSeconds
	}
	res, err := s.ctl.Render(c.Request.Context(), render.Options{
		SampleRate:  req.SampleRate,
		BlockSize:   req.BlockSize,
		TailSeconds: tail,
		Buses:       req.Buses,
		ProjectName: req.ProjectName,
	})
	files := make([]renderFile, len(res.Files))
	for i, f := range res.Files {
		files[i] = renderFile{Bus: f.Bus, Path: f.Path, Frames: f.Frames}
		if f.Err != nil {
			files[i].Error = f.Err.Error()
		}
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, render.ErrEmptyTimeline):
			status = http.StatusNotFound
		case errors.Is(err, render.ErrInvalidSampleRate), errors.Is(err, render.ErrInvalidBlockSize):
			status = http.StatusBadRequest
		case errors.Is(err, engine.ErrRenderBusy):
			status = http.StatusConflict
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "files": files})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frames": res.Frames, "files": files, "tookMs": res.Duration.Milliseconds()})
}

func (s *Server) requireTakes(c *gin.Context) bool {
	if s.takes == nil {
		fail(c, http.StatusNotImplemented, errors.New("take archive is disabled"))
		return false
	}
	return true
}

func (s *Server) listTakes(c *gin.Context) {
	if !s.requireTakes(c) {
		return
	}
	list, err := s.takes.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []takes.Take{}
	}
	c.JSON(http.StatusOK, list)
}

type saveTakeRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) saveTake(c *gin.Context) {
	if !s.requireTakes(c) {
		return
	}
	var req saveTakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	take, err := s.takes.Save(c.Request.Context(), req.Name, s.ctl.Snapshot())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, capture.ErrEmptyTimeline) {
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusCreated, take)
}

func (s *Server) loadTake(c *gin.Context) {
	if !s.requireTakes(c) {
		return
	}
	tl, err := s.takes.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, takes.ErrNotFound) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	if err := s.ctl.LoadTimeline(tl); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": len(tl.Events)})
}

func (s *Server) deleteTake(c *gin.Context) {
	if !s.requireTakes(c) {
		return
	}
	if err := s.takes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, takes.ErrNotFound) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	c.Status(http.StatusNoContent)
}
