package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/albinoxes/betl-vision-solution/internal/stream"
)

// Task states as surfaced to operators.
const (
	StateStarting = "starting"
	StateStopping = "stopping"
	StateRunning  = "running"
	StateStopped  = "stopped"
)

// Source identifies one upstream for the life of a task.
type Source struct {
	Kind      string // webcam, legacy, simulator
	DeviceID  int
	StreamURL string
	HealthURL string
}

// Key is the registry key, `{kind}_{device-id}`.
func (s Source) Key() string {
	return fmt.Sprintf("%s_%d", s.Kind, s.DeviceID)
}

// Options selects the stages of a task. An empty id disables the stage.
type Options struct {
	DetectorID   string
	ClassifierID string
	SettingsName string
}

// Snapshot is the observable state of one task.
type Snapshot struct {
	Key           string  `json:"key"`
	Kind          string  `json:"source_kind"`
	DeviceID      int     `json:"device_id"`
	DetectorID    string  `json:"detector_id"`
	ClassifierID  string  `json:"classifier_id"`
	ParamsID      string  `json:"params_id"`
	Status        string  `json:"status"`
	Running       bool    `json:"running"`
	FrameCount    uint64  `json:"frame_count"`
	UptimeSeconds float64 `json:"uptime"`
}

// task is one ingest pipeline. Status transitions are written by the
// ingest goroutine and the stop path; readers take a snapshot.
type task struct {
	source Source
	opts   Options

	frameCount atomic.Uint64
	startedAt  time.Time

	cancel func()
	done   chan struct{}

	mu        sync.Mutex
	status    string
	stopping  bool
	stoppedAt time.Time
	stream    *stream.Stream
}

func (t *task) setStream(st *stream.Stream) {
	t.mu.Lock()
	t.stream = st
	t.mu.Unlock()
}

// closeStream force-closes the upstream handle so a blocked read
// returns promptly.
func (t *task) closeStream() {
	t.mu.Lock()
	st := t.stream
	t.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

func (t *task) setStatus(status string) {
	t.mu.Lock()
	t.status = status
	if isTerminal(status) {
		t.stoppedAt = time.Now()
	}
	t.mu.Unlock()
}

// markRunning flips starting to running on the first received frame.
func (t *task) markRunning() {
	t.mu.Lock()
	if t.status == StateStarting {
		t.status = StateRunning
	}
	t.mu.Unlock()
}

// beginStop marks the task stopping unless it already reached a
// terminal state. Returns true when the caller should wait for exit.
func (t *task) beginStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTerminal(t.status) {
		return false
	}
	t.stopping = true
	t.status = StateStopping
	return true
}

func (t *task) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

func (t *task) snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	status := t.status
	stoppedAt := t.stoppedAt
	t.mu.Unlock()

	uptime := now.Sub(t.startedAt).Seconds()
	if isTerminal(status) && !stoppedAt.IsZero() {
		uptime = stoppedAt.Sub(t.startedAt).Seconds()
	}
	return Snapshot{
		Key:           t.source.Key(),
		Kind:          t.source.Kind,
		DeviceID:      t.source.DeviceID,
		DetectorID:    t.opts.DetectorID,
		ClassifierID:  t.opts.ClassifierID,
		ParamsID:      t.opts.SettingsName,
		Status:        status,
		Running:       !isTerminal(status),
		FrameCount:    t.frameCount.Load(),
		UptimeSeconds: uptime,
	}
}

// terminalSince reports when the task reached a terminal state; ok is
// false while it is still live.
func (t *task) terminalSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isTerminal(t.status) {
		return time.Time{}, false
	}
	return t.stoppedAt, true
}

func isTerminal(status string) bool {
	return status == StateStopped || strings.HasPrefix(status, "error:")
}
