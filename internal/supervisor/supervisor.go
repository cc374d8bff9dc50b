// Package supervisor owns the registry of ingest tasks: start/stop
// lifecycle, per-task sampling gates and the ingest loop feeding the
// detection and classification stages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
)

const (
	// DefaultStopTimeout bounds the wait for an ingest worker to exit.
	DefaultStopTimeout = 15 * time.Second

	// retention keeps terminal tasks visible before garbage collection.
	retention = 60 * time.Second

	probeTimeout = 2 * time.Second
)

// Start/stop failures the control surface maps to HTTP statuses.
var (
	ErrAlreadyRunning    = errors.New("task already running")
	ErrSourceUnavailable = errors.New("source health probe failed")
)

var (
	tasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_tasks_started",
			Help: "Tasks started by source kind",
		},
		[]string{"kind"},
	)

	tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supervisor_tasks_active",
		Help: "Tasks currently live",
	})

	framesSampled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_frames_sampled",
			Help: "Frames admitted by the sampling gates",
		},
		[]string{"task"},
	)
)

// Streamer is the upstream access the supervisor needs; *stream.Client
// satisfies it.
type Streamer interface {
	Probe(ctx context.Context, url string) error
	Open(ctx context.Context, url string) (*stream.Stream, error)
}

// FrameStore persists sampled frames; *framesink.Sink satisfies it.
type FrameStore interface {
	Save(sourceKey string, frame []byte, capturedAt time.Time) (string, error)
	Reset(sourceKey string)
}

// DetectorQueue admits frames into the detection stage.
type DetectorQueue interface {
	Enqueue(req detector.Request) error
}

// ClassifierQueue admits frames into the classification stage.
type ClassifierQueue interface {
	Enqueue(req classifier.Request) error
}

// Settings is the configuration slice read at task start; *store.Store
// satisfies it.
type Settings interface {
	CurrentProject() (store.ProjectSettings, error)
	DetectorSettingsByName(name string) (store.DetectorSettings, error)
	ClassNames() ([]string, error)
}

// Loaders resolves model ids to ready inference backends.
type Loaders interface {
	detector.Loader
	classifier.Loader
}

// Supervisor owns the task registry.
type Supervisor struct {
	logger      servicelog.Logger
	streamer    Streamer
	frames      FrameStore
	detectors   DetectorQueue
	classifiers ClassifierQueue
	settings    Settings
	loaders     Loaders
	clock       func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

func New(logger servicelog.Logger, streamer Streamer, frames FrameStore,
	detectors DetectorQueue, classifiers ClassifierQueue,
	settings Settings, loaders Loaders) *Supervisor {
	return &Supervisor{
		logger:      logger,
		streamer:    streamer,
		frames:      frames,
		detectors:   detectors,
		classifiers: classifiers,
		settings:    settings,
		loaders:     loaders,
		clock:       time.Now,
		tasks:       make(map[string]*task),
	}
}

// taskConfig is everything a task resolves at start so the ingest loop
// never touches the store.
type taskConfig struct {
	project  store.ProjectSettings
	detSet   store.DetectorSettings
	detModel detector.Model
	clsModel classifier.Model
	names    []string
}

// StartTask probes the source, resolves configuration and models, and
// launches the ingest goroutine. It returns the task key.
func (s *Supervisor) StartTask(source Source, opts Options) (string, error) {
	key := source.Key()

	s.mu.Lock()
	s.sweepLocked()
	if existing, ok := s.tasks[key]; ok {
		if _, terminal := existing.terminalSince(); !terminal {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
		}
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := s.streamer.Probe(probeCtx, source.HealthURL)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, key, err)
	}

	cfg, err := s.resolve(opts)
	if err != nil {
		return "", err
	}

	ctx, cancelTask := context.WithCancel(context.Background())
	t := &task{
		source:    source,
		opts:      opts,
		startedAt: s.clock(),
		cancel:    cancelTask,
		done:      make(chan struct{}),
		status:    StateStarting,
	}

	s.mu.Lock()
	if existing, ok := s.tasks[key]; ok {
		if _, terminal := existing.terminalSince(); !terminal {
			s.mu.Unlock()
			cancelTask()
			close(t.done)
			return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
		}
	}
	s.tasks[key] = t
	s.mu.Unlock()

	s.frames.Reset(key)
	tasksStarted.WithLabelValues(source.Kind).Inc()
	tasksActive.Inc()
	s.logger.Info("task starting",
		servicelog.String("task", key),
		servicelog.String("detector", opts.DetectorID),
		servicelog.String("classifier", opts.ClassifierID))
	go s.ingest(ctx, t, cfg)
	return key, nil
}

// resolve loads settings and pre-loads models so a broken configuration
// fails the start request instead of the first frame.
func (s *Supervisor) resolve(opts Options) (taskConfig, error) {
	var cfg taskConfig
	var err error

	cfg.project, err = s.settings.CurrentProject()
	if err != nil {
		return cfg, err
	}
	if opts.DetectorID != "" {
		cfg.detSet, err = s.settings.DetectorSettingsByName(opts.SettingsName)
		if err != nil {
			return cfg, err
		}
		cfg.detModel, err = s.loaders.LoadDetector(opts.DetectorID)
		if err != nil {
			return cfg, fmt.Errorf("%w: detector %q: %v", faults.ErrConfig, opts.DetectorID, err)
		}
	}
	if opts.ClassifierID != "" {
		cfg.clsModel, err = s.loaders.LoadClassifier(opts.ClassifierID)
		if err != nil {
			return cfg, fmt.Errorf("%w: classifier %q: %v", faults.ErrConfig, opts.ClassifierID, err)
		}
		cfg.names, err = s.settings.ClassNames()
		if err != nil {
			return cfg, err
		}
		if len(cfg.names) == 0 {
			return cfg, fmt.Errorf("%w: status table is empty", faults.ErrConfig)
		}
	}
	return cfg, nil
}

// StopTask stops one task. Stopping an already-stopped or unknown task
// succeeds as a no-op.
func (s *Supervisor) StopTask(key string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if !t.beginStop() {
		return nil
	}

	// Closing the socket unblocks a read stuck inside the framer; the
	// context covers everything else.
	t.closeStream()
	t.cancel()

	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		t.setStatus("error:shutdown-timeout")
		return fmt.Errorf("%w: task %s did not stop within %s", faults.ErrTimeout, key, timeout)
	}
}

// StopAll signals every live task and waits up to timeout for all of
// them together.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	live := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		live = append(live, t)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(live))
	for _, t := range live {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			if err := s.StopTask(t.source.Key(), timeout); err != nil {
				errs <- err
			}
		}(t)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Tasks returns a snapshot of every known task, sweeping expired ones.
func (s *Supervisor) Tasks() []Snapshot {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot(now))
	}
	return out
}

// Task returns the snapshot for one key.
func (s *Supervisor) Task(key string) (Snapshot, bool) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(now), true
}

// sweepLocked drops terminal tasks past the retention window.
func (s *Supervisor) sweepLocked() {
	now := s.clock()
	for key, t := range s.tasks {
		if at, terminal := t.terminalSince(); terminal && now.Sub(at) > retention {
			delete(s.tasks, key)
		}
	}
}

// ingest is the per-task loop: read frames, gate, persist, enqueue.
func (s *Supervisor) ingest(ctx context.Context, t *task, cfg taskConfig) {
	defer close(t.done)
	defer tasksActive.Dec()
	key := t.source.Key()

	st, err := s.streamer.Open(ctx, t.source.StreamURL)
	if err != nil {
		t.setStatus(s.finalStatus(t, err))
		s.logger.Warn("task failed to open stream",
			servicelog.String("task", key), servicelog.Error(err))
		return
	}
	t.setStream(st)
	defer st.Close()

	interval := cfg.project.SamplingInterval()
	detGate := newGate(interval)
	clsGate := newGate(interval)
	saveGate := newGate(interval)
	framer := stream.NewFramer(s.logger, st)

	for {
		frame, err := framer.Next(ctx)
		if err != nil {
			t.setStatus(s.finalStatus(t, err))
			s.logger.Info("task ingest finished",
				servicelog.String("task", key),
				servicelog.String("status", t.snapshot(s.clock()).Status))
			return
		}
		t.markRunning()

		now := s.clock()
		sampleDet := cfg.detModel != nil && detGate.allow(now)
		sampleCls := cfg.clsModel != nil && clsGate.allow(now)
		if !sampleDet && !sampleCls {
			// With no stage configured frames are still archived at the
			// sampling cadence.
			if cfg.detModel != nil || cfg.clsModel != nil || !saveGate.allow(now) {
				continue
			}
		}

		relPath, err := s.frames.Save(key, frame, now)
		if err != nil {
			s.logger.Warn("frame not persisted",
				servicelog.String("task", key), servicelog.Error(err))
		}
		// One sampled frame counts once even when both stages take it.
		t.frameCount.Inc()
		framesSampled.WithLabelValues(key).Inc()

		if sampleDet {
			err := s.detectors.Enqueue(detector.Request{
				SourceKey:  key,
				Frame:      frame,
				FramePath:  relPath,
				CapturedAt: now,
				Model:      cfg.detModel,
				Settings:   cfg.detSet,
				Project:    cfg.project,
			})
			if err != nil && !errors.Is(err, faults.ErrQueueFull) {
				s.logger.Warn("detector enqueue failed",
					servicelog.String("task", key), servicelog.Error(err))
			}
		}
		if sampleCls {
			err := s.classifiers.Enqueue(classifier.Request{
				SourceKey:  key,
				Frame:      frame,
				CapturedAt: now,
				Model:      cfg.clsModel,
				Names:      cfg.names,
				Project:    cfg.project,
			})
			if err != nil && !errors.Is(err, faults.ErrQueueFull) {
				s.logger.Warn("classifier enqueue failed",
					servicelog.String("task", key), servicelog.Error(err))
			}
		}
	}
}

// finalStatus maps a terminal ingest error to a task status. Errors
// observed while stopping always map to a clean stop.
func (s *Supervisor) finalStatus(t *task, err error) string {
	if t.isStopping() || errors.Is(err, faults.ErrShutdown) {
		return StateStopped
	}
	switch {
	case errors.Is(err, faults.ErrClosed), errors.Is(err, faults.ErrConnect):
		// A closed stream outside of a stop means the upstream went away.
		return "error:server-unreachable"
	case errors.Is(err, faults.ErrTimeout):
		return "error:timeout"
	default:
		return "error:stream-failure"
	}
}
