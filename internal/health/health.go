// Package health runs one probe loop per registered upstream source and
// tracks availability transitions.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

// Status is the probe verdict for one source.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_probes_total",
			Help: "Health probes by source and verdict",
		},
		[]string{"source", "status"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_transitions_total",
			Help: "Status transitions by source",
		},
		[]string{"source"},
	)
)

// Prober checks one URL; a nil error means the source answered 200.
// *stream.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Listener fires on every status change. Called from the monitor
// goroutine; implementations must not block.
type Listener func(sourceKey string, old, new Status)

// Config tunes the probe schedule.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c *Config) check() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

type monitor struct {
	url    string
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// Service owns the monitors. Each registered source runs its own probe
// goroutine; the status map is mutex-guarded and probes happen outside
// the lock.
type Service struct {
	logger   servicelog.Logger
	cfg      Config
	prober   Prober
	listener Listener

	mu       sync.Mutex
	monitors map[string]*monitor
}

func New(logger servicelog.Logger, cfg Config, prober Prober, listener Listener) *Service {
	cfg.check()
	return &Service{
		logger:   logger,
		cfg:      cfg,
		prober:   prober,
		listener: listener,
		monitors: make(map[string]*monitor),
	}
}

// Register starts a monitor for the source. Re-registering an existing
// key only updates the URL.
func (s *Service) Register(sourceKey, healthURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[sourceKey]; ok {
		m.url = healthURL
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &monitor{
		url:    healthURL,
		status: StatusUnknown,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.monitors[sourceKey] = m
	go s.run(ctx, sourceKey, m)
}

// Unregister stops and removes the monitor for the source.
func (s *Service) Unregister(sourceKey string) {
	s.mu.Lock()
	m, ok := s.monitors[sourceKey]
	if ok {
		delete(s.monitors, sourceKey)
	}
	s.mu.Unlock()
	if ok {
		m.cancel()
		<-m.done
	}
}

// Status returns the current verdict for one source.
func (s *Service) Status(sourceKey string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[sourceKey]; ok {
		return m.status
	}
	return StatusUnknown
}

// Snapshot returns the verdicts of every monitored source.
func (s *Service) Snapshot() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.monitors))
	for key, m := range s.monitors {
		out[key] = m.status
	}
	return out
}

// Stop shuts every monitor down and waits for their goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	monitors := make([]*monitor, 0, len(s.monitors))
	for key, m := range s.monitors {
		monitors = append(monitors, m)
		delete(s.monitors, key)
	}
	s.mu.Unlock()
	for _, m := range monitors {
		m.cancel()
		<-m.done
	}
}

func (s *Service) run(ctx context.Context, sourceKey string, m *monitor) {
	defer close(m.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.probe(ctx, sourceKey, m)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx, sourceKey, m)
		}
	}
}

func (s *Service) probe(ctx context.Context, sourceKey string, m *monitor) {
	s.mu.Lock()
	url := m.url
	s.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err := s.prober.Probe(probeCtx, url)
	cancel()
	if ctx.Err() != nil {
		return
	}

	status := StatusAvailable
	if err != nil {
		status = StatusUnavailable
	}
	probesTotal.WithLabelValues(sourceKey, string(status)).Inc()

	s.mu.Lock()
	old := m.status
	m.status = status
	s.mu.Unlock()

	if old != status {
		transitionsTotal.WithLabelValues(sourceKey).Inc()
		s.logger.Info("source status changed",
			servicelog.String("source", sourceKey),
			servicelog.String("from", string(old)),
			servicelog.String("to", string(status)))
		if s.listener != nil {
			s.listener(sourceKey, old, status)
		}
	}
}
