package render

import (
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BusWriter receives planar bus audio one block at a time.
type BusWriter interface {
	Write(channels [][]float32, frames int) error
	Close() error
}

// WriterFactory opens the output for one bus. busChannels is the channel
// count of the bus being written.
type WriterFactory func(path string, sampleRate float64, busChannels int) (BusWriter, error)

// WAVWriters returns a factory for stereo PCM WAV files at the given bit
// depth. Mono buses are duplicated to both channels.
func WAVWriters(bitDepth int) WriterFactory {
	return func(path string, sampleRate float64, busChannels int) (BusWriter, error) {
		return newWAVWriter(path, int(math.Round(sampleRate)), bitDepth)
	}
}

type wavWriter struct {
	f     *os.File
	enc   *wav.Encoder
	buf   *audio.IntBuffer
	scale float64
}

func newWAVWriter(path string, sampleRate, bitDepth int) (*wavWriter, error) {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	const channels = 2
	return &wavWriter{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, bitDepth, channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
		scale: math.Pow(2, float64(bitDepth-1)) - 1,
	}, nil
}

func (w *wavWriter) Write(channels [][]float32, frames int) error {
	if len(channels) == 0 || frames <= 0 {
		return nil
	}
	left := channels[0]
	right := left
	if len(channels) > 1 {
		right = channels[1]
	}
	frames = min(frames, len(left), len(right))
	if cap(w.buf.Data) < frames*2 {
		w.buf.Data = make([]int, frames*2)
	}
	w.buf.Data = w.buf.Data[:frames*2]
	for i := 0; i < frames; i++ {
		w.buf.Data[2*i] = w.quantize(left[i])
		w.buf.Data[2*i+1] = w.quantize(right[i])
	}
	return w.enc.Write(w.buf)
}

func (w *wavWriter) quantize(s float32) int {
	v := math.Max(-1, math.Min(1, float64(s)))
	return int(math.Round(v * w.scale))
}

func (w *wavWriter) Close() error {
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}

// FileName builds "<project>_<bus>.wav" with both parts sanitized.
func FileName(project, bus string) string {
	p := sanitize(project)
	if p == "" {
		p = "render"
	}
	b := sanitize(bus)
	if b == "" {
		b = "bus"
	}
	return p + "_" + b + ".wav"
}

func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return strings.Trim(sb.String(), "._")
}
