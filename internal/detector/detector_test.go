package detector

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

type fakeModel struct {
	boxes []Box
	err   error

	mu      sync.Mutex
	minConf float64
	class   int
	bounds  image.Rectangle
}

func (m *fakeModel) Detect(_ context.Context, img image.Image, minConf float64, class int) ([]Box, error) {
	m.mu.Lock()
	m.minConf = minConf
	m.class = class
	m.bounds = img.Bounds()
	m.mu.Unlock()
	return m.boxes, m.err
}

type memSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *memSink) OfferDetections(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func (s *memSink) snapshot() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMeasureDerivesCalibratedSizes(t *testing.T) {
	set := store.DefaultDetectorSettings()
	set.PixelsPerMM = store.PixelsPerMM

	got := Measure([]Box{{Conf: 0.91, X1: 10, Y1: 20, X2: 100, Y2: 80}}, set)
	require.Len(t, got, 1)
	p := got[0]

	require.Equal(t, 90, p.WidthPx)
	require.Equal(t, 60, p.HeightPx)
	// 90 px / (240/900 px per mm) = 337.5, truncated.
	require.Equal(t, 337, p.WidthMM)
	require.Equal(t, 225, p.HeightMM)
	// round(337 * 0.9)
	require.Equal(t, 303, p.MaxDMM)
	wantVol := set.VolumeX * math.Pow(303, set.VolumeExp)
	require.InDelta(t, wantVol, p.VolumeEst, wantVol*1e-9)
}

func TestFilterWindowIsInclusive(t *testing.T) {
	particles := []Particle{
		{MaxDMM: 199}, {MaxDMM: 200}, {MaxDMM: 5000}, {MaxDMM: 10000}, {MaxDMM: 10001},
	}
	kept := Filter(particles, 200, 10000)
	require.Len(t, kept, 3)
	require.Equal(t, 200, kept[0].MaxDMM)
	require.Equal(t, 10000, kept[2].MaxDMM)
}

func TestWorkerForwardsReportableParticles(t *testing.T) {
	defer goleak.VerifyNone(t)

	model := &fakeModel{boxes: []Box{
		{Conf: 0.95, X1: 0, Y1: 0, X2: 90, Y2: 60},   // max_d 303, reportable
		{Conf: 0.85, X1: 0, Y1: 0, X2: 10, Y2: 10},   // max_d 33, below window
	}}
	sink := &memSink{}
	w := NewWorker(servicelog.Nop(), sink)
	w.Start()

	set := store.DefaultDetectorSettings()
	set.PixelsPerMM = store.PixelsPerMM
	at := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	require.NoError(t, w.Enqueue(Request{
		SourceKey:  "webcam_0",
		Frame:      encodeJPEG(t, 320, 240),
		FramePath:  "webcam_0/session/frame.jpg",
		CapturedAt: at,
		Model:      model,
		Settings:   set,
	}))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.Stop(2*time.Second))

	res := sink.snapshot()[0]
	require.Equal(t, "webcam_0", res.SourceKey)
	require.Equal(t, at, res.CapturedAt)
	require.Len(t, res.Particles, 1)
	require.Equal(t, 303, res.Particles[0].MaxDMM)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Equal(t, set.MinConf, model.minConf)
	require.Equal(t, ParticleClass, model.class)
	require.Equal(t, image.Rect(0, 0, 320, 240), model.bounds)
}

func TestWorkerCountsFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memSink{}
	w := NewWorker(servicelog.Nop(), sink)
	w.Start()

	// Undecodable payload.
	require.NoError(t, w.Enqueue(Request{SourceKey: "webcam_0", Frame: []byte("not a jpeg")}))
	// Model failure.
	require.NoError(t, w.Enqueue(Request{
		SourceKey: "webcam_0",
		Frame:     encodeJPEG(t, 32, 32),
		Model:     &fakeModel{err: errors.New("session lost")},
		Settings:  store.DefaultDetectorSettings(),
	}))

	require.Eventually(t, func() bool {
		return w.Stats().Failed == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.Stop(2*time.Second))
	require.Empty(t, sink.snapshot())
}
