package stemhost

import (
	"context"
	"fmt"
	"os"

	"github.com/cbegin/stemhost-go/internal/capture"
	"github.com/cbegin/stemhost-go/internal/config"
	"github.com/cbegin/stemhost-go/internal/render"
)

// ReadCapture loads a capture document from path.
func ReadCapture(path string) (capture.Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return capture.Timeline{}, err
	}
	defer f.Close()
	tl, err := capture.Decode(f)
	if err != nil {
		return capture.Timeline{}, fmt.Errorf("%s: %w", path, err)
	}
	return tl, nil
}

// RenderCaptureFile renders the capture at path with a headless host built
// from cfg. The audio device is never opened.
func RenderCaptureFile(ctx context.Context, cfg config.Config, path string, opts render.Options, hostOpts ...HostOption) (render.Result, error) {
	tl, err := ReadCapture(path)
	if err != nil {
		return render.Result{}, err
	}
	h, err := NewHostFromConfig(cfg, hostOpts...)
	if err != nil {
		return render.Result{}, err
	}
	defer h.Close()
	return h.RenderTimeline(ctx, tl, opts)
}

// ExportCaptureMIDI converts the capture at path to a Standard MIDI File.
func ExportCaptureMIDI(path, out string, bpm float64) error {
	tl, err := ReadCapture(path)
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := capture.WriteSMF(f, tl, bpm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
