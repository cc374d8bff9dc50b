package stream

import (
	"bytes"
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

var (
	framesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framer_frames_total",
		Help: "JPEG frames extracted from MJPEG streams",
	})

	framesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framer_frames_invalid_total",
		Help: "Boundary-delimited parts dropped for not being a JPEG",
	})

	bufferOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framer_buffer_overruns_total",
		Help: "Times the framer buffer exceeded its cap and was halved",
	})
)

const (
	// MaxBufferSize caps the rolling buffer; past it the older half is
	// discarded so a slow consumer cannot grow memory without bound.
	MaxBufferSize = 10 * 1024 * 1024

	// ChunkCheckInterval is how many chunk reads may pass between
	// cancellation checks.
	ChunkCheckInterval = 5
)

var (
	boundaryMarker = []byte("--frame")
	headerEnd      = []byte("\r\n\r\n")
	crlf           = []byte("\r\n")
	jpegSOI        = []byte{0xff, 0xd8}
)

// ChunkSource yields raw byte chunks; *Stream satisfies it.
type ChunkSource interface {
	Next() ([]byte, error)
}

// Framer cuts an MJPEG chunk stream into JPEG payloads.
type Framer struct {
	logger servicelog.Logger
	source ChunkSource
	buf    []byte
	reads  int
}

func NewFramer(logger servicelog.Logger, source ChunkSource) *Framer {
	return &Framer{
		logger: logger,
		source: source,
		buf:    make([]byte, 0, 2*ChunkSize),
	}
}

// Next returns the next JPEG frame. Parts that do not decode as JPEG
// (missing SOI marker) are dropped silently except for a counter.
// Cancellation is observed at least every ChunkCheckInterval reads.
func (f *Framer) Next(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := f.extract(); ok {
			if !bytes.HasPrefix(frame, jpegSOI) {
				framesInvalid.Inc()
				f.logger.Debug("dropping non-jpeg part", servicelog.Int("size", len(frame)))
				continue
			}
			framesExtracted.Inc()
			return frame, nil
		}
		f.reads++
		if f.reads%ChunkCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, faults.ErrShutdown
			default:
			}
		}
		chunk, err := f.source.Next()
		if err != nil {
			return nil, err
		}
		f.buf = append(f.buf, chunk...)
		if len(f.buf) > MaxBufferSize {
			// Keep the newer half; frames in the discarded half are lost.
			half := len(f.buf) / 2
			f.buf = append(f.buf[:0], f.buf[half:]...)
			bufferOverruns.Inc()
			f.logger.Warn("framer buffer exceeded cap, discarding older half",
				servicelog.Int("kept", len(f.buf)))
		}
	}
}

// extract pops one complete part from the buffer: a boundary marker,
// CRLF-terminated part headers, a blank line, the payload, and the
// next boundary. A missing CRLF before the next boundary is tolerated.
func (f *Framer) extract() ([]byte, bool) {
	start := bytes.Index(f.buf, boundaryMarker)
	if start < 0 {
		return nil, false
	}
	rest := f.buf[start+len(boundaryMarker):]
	head := bytes.Index(rest, headerEnd)
	if head < 0 {
		return nil, false
	}
	payload := rest[head+len(headerEnd):]
	end := bytes.Index(payload, boundaryMarker)
	if end < 0 {
		return nil, false
	}
	frame := payload[:end]
	frame = bytes.TrimSuffix(frame, crlf)
	out := make([]byte, len(frame))
	copy(out, frame)
	// Drop everything up to the next boundary, which starts the
	// following part.
	consumed := len(f.buf) - len(payload) + end
	f.buf = append(f.buf[:0], f.buf[consumed:]...)
	return out, true
}

// Frames drains the source until it fails, handing each frame to emit.
// The terminal error is always non-nil (ErrClosed on clean shutdown).
func (f *Framer) Frames(ctx context.Context, emit func(frame []byte) error) error {
	for {
		frame, err := f.Next(ctx)
		if err != nil {
			return err
		}
		if err := emit(frame); err != nil {
			return fmt.Errorf("frame handler: %w", err)
		}
	}
}
