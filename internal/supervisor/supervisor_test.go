package supervisor

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
)

var fakeJPEG = []byte{0xff, 0xd8, 0xff, 0xdb, 0x00, 0x04, 0x01, 0x02}

// upstream is a fake MJPEG producer with a /devices health endpoint.
type upstream struct {
	server  *httptest.Server
	frames  int
	pace    time.Duration
	hang    bool // keep the connection open after the last frame
	healthy bool
}

func newUpstream(frames int, pace time.Duration, hang bool) *upstream {
	u := &upstream{frames: frames, pace: pace, hang: hang, healthy: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		if !u.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":0,"info":"test","status":"ok"}]`)
	})
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		flusher := w.(http.Flusher)
		for i := 0; i < u.frames; i++ {
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n%s\r\n", fakeJPEG)
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(u.pace):
			}
		}
		if u.hang {
			<-r.Context().Done()
		}
	})
	u.server = httptest.NewServer(mux)
	return u
}

func (u *upstream) source() Source {
	return Source{
		Kind:      "webcam",
		DeviceID:  0,
		StreamURL: u.server.URL + "/video",
		HealthURL: u.server.URL + "/devices",
	}
}

type fakeDetQueue struct {
	mu   sync.Mutex
	reqs []detector.Request
}

func (q *fakeDetQueue) Enqueue(req detector.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

func (q *fakeDetQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

type fakeClsQueue struct {
	mu   sync.Mutex
	reqs []classifier.Request
}

func (q *fakeClsQueue) Enqueue(req classifier.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return nil
}

func (q *fakeClsQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

type fakeSink struct {
	mu     sync.Mutex
	saves  int
	resets int
}

func (s *fakeSink) Save(sourceKey string, frame []byte, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return sourceKey + "/session/frame.jpg", nil
}

func (s *fakeSink) Reset(string) {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

type fakeSettings struct {
	interval float64
}

func (s *fakeSettings) CurrentProject() (store.ProjectSettings, error) {
	return store.ProjectSettings{
		Title:                   "test",
		CSVIntervalSeconds:      60,
		ImageProcessingInterval: s.interval,
	}, nil
}

func (s *fakeSettings) DetectorSettingsByName(string) (store.DetectorSettings, error) {
	d := store.DefaultDetectorSettings()
	d.PixelsPerMM = store.PixelsPerMM
	return d, nil
}

func (s *fakeSettings) ClassNames() ([]string, error) {
	return []string{"belt_empty", "belt_running"}, nil
}

type nullDetModel struct{}

func (nullDetModel) Detect(context.Context, image.Image, float64, int) ([]detector.Box, error) {
	return nil, nil
}

type nullClsModel struct{}

func (nullClsModel) Classify(context.Context, image.Image) (int, error) { return 0, nil }

type fakeLoaders struct {
	detErr error
	clsErr error
}

func (l *fakeLoaders) LoadDetector(string) (detector.Model, error) {
	return nullDetModel{}, l.detErr
}

func (l *fakeLoaders) LoadClassifier(string) (classifier.Model, error) {
	return nullClsModel{}, l.clsErr
}

type fixture struct {
	sup  *Supervisor
	det  *fakeDetQueue
	cls  *fakeClsQueue
	sink *fakeSink
}

func newFixture(t *testing.T, interval float64, loaders *fakeLoaders) *fixture {
	t.Helper()
	client := stream.NewClient(servicelog.Nop(), stream.Options{})
	t.Cleanup(client.Close)
	f := &fixture{det: &fakeDetQueue{}, cls: &fakeClsQueue{}, sink: &fakeSink{}}
	f.sup = New(servicelog.Nop(), client, f.sink, f.det, f.cls,
		&fakeSettings{interval: interval}, loaders)
	return f
}

func TestStartStreamsIntoBothStages(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(50, 5*time.Millisecond, true)
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	key, err := f.sup.StartTask(up.source(), Options{
		DetectorID: "boulder:2.1.0", ClassifierID: "belt:1.0.0",
	})
	require.NoError(t, err)
	require.Equal(t, "webcam_0", key)

	require.Eventually(t, func() bool {
		return f.det.count() >= 3 && f.cls.count() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	snap, ok := f.sup.Task(key)
	require.True(t, ok)
	require.Equal(t, StateRunning, snap.Status)
	require.True(t, snap.Running)
	require.NotZero(t, snap.FrameCount)

	require.NoError(t, f.sup.StopTask(key, 5*time.Second))
	snap, ok = f.sup.Task(key)
	require.True(t, ok)
	require.Equal(t, StateStopped, snap.Status)
	require.False(t, snap.Running)

	// Stopping again is a no-op that still succeeds.
	require.NoError(t, f.sup.StopTask(key, time.Second))
}

func TestStartRejectsDuplicateKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(1000, 5*time.Millisecond, true)
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	key, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)
	defer f.sup.StopTask(key, 5*time.Second)

	_, err = f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartFailsWhenHealthProbeFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(10, time.Millisecond, false)
	up.healthy = false
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	_, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.Empty(t, f.sup.Tasks())
}

func TestStartFailsWhenModelCannotLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(10, time.Millisecond, true)
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{detErr: fmt.Errorf("missing weights")})

	_, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.Error(t, err)
	require.Empty(t, f.sup.Tasks())
}

func TestMidStreamDisconnectIsAnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	// The upstream sends a few frames and then closes the connection.
	up := newUpstream(3, 5*time.Millisecond, false)
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	key, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := f.sup.Task(key)
		return ok && snap.Status == "error:server-unreachable"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSamplingGateThrottles(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(1000, 2*time.Millisecond, true)
	defer up.server.Close()
	// 10 s interval: only the first frame passes the gate.
	f := newFixture(t, 10, &fakeLoaders{})

	key, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.det.count() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, f.det.count())

	snap, _ := f.sup.Task(key)
	require.Equal(t, uint64(1), snap.FrameCount)
	require.NoError(t, f.sup.StopTask(key, 5*time.Second))
}

func TestStopAllStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	up1 := newUpstream(1000, 5*time.Millisecond, true)
	defer up1.server.Close()
	up2 := newUpstream(1000, 5*time.Millisecond, true)
	defer up2.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	src2 := up2.source()
	src2.Kind = "simulator"
	_, err := f.sup.StartTask(up1.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)
	_, err = f.sup.StartTask(src2, Options{ClassifierID: "belt"})
	require.NoError(t, err)

	require.NoError(t, f.sup.StopAll(10*time.Second))
	for _, snap := range f.sup.Tasks() {
		require.Equal(t, StateStopped, snap.Status)
	}
}

func TestRestartAfterStopGetsFreshSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := newUpstream(1000, 5*time.Millisecond, true)
	defer up.server.Close()
	f := newFixture(t, 0.01, &fakeLoaders{})

	key, err := f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)
	require.NoError(t, f.sup.StopTask(key, 5*time.Second))

	_, err = f.sup.StartTask(up.source(), Options{DetectorID: "boulder"})
	require.NoError(t, err)
	require.NoError(t, f.sup.StopTask(key, 5*time.Second))

	// Each start resets the session folder for the key.
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Equal(t, 2, f.sink.resets)
}
