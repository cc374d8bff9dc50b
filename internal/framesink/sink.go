// Package framesink persists sampled JPEGs under rolling time-bucketed
// session folders and records each saved frame in the frame index.
package framesink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

var (
	framesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framesink_frames_saved",
			Help: "Frames persisted to session folders",
		},
		[]string{"source"},
	)

	framesSaveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framesink_save_errors",
			Help: "Frame persistence failures",
		},
		[]string{"source"},
	)

	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framesink_sessions_opened",
		Help: "Session folders created",
	})
)

// Config tunes session rollover and bookkeeping.
type Config struct {
	Root            string        // base directory for all session folders
	SessionDuration time.Duration // folder rollover age, default 15 min
	MaxSessions     int           // session map cap, default 100
}

func (c *Config) check() {
	if c.SessionDuration <= 0 {
		c.SessionDuration = 15 * time.Minute
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
}

// Index receives one record per saved frame. *store.Store satisfies it.
type Index interface {
	InsertFrame(rec store.FrameRecord) error
}

type session struct {
	dir     string // relative to Root
	created time.Time
}

// Sink writes frames. Safe for concurrent use across sources; the
// session map is mutex-guarded, file writes happen outside the lock.
type Sink struct {
	logger servicelog.Logger
	cfg    Config
	index  Index

	mu       sync.Mutex
	sessions map[string]session
}

func New(logger servicelog.Logger, cfg Config, index Index) *Sink {
	cfg.check()
	return &Sink{
		logger:   logger,
		cfg:      cfg,
		index:    index,
		sessions: make(map[string]session),
	}
}

// Save persists one frame for the given source and returns the path
// relative to the sink root. A write failure is reported but must not
// abort ingest; callers log and continue.
func (s *Sink) Save(sourceKey string, frame []byte, capturedAt time.Time) (string, error) {
	dir, err := s.sessionDir(sourceKey, capturedAt)
	if err != nil {
		framesSaveErrors.WithLabelValues(sourceKey).Inc()
		return "", err
	}
	name := fmt.Sprintf("frame_%s_%06d.jpg",
		capturedAt.Format("20060102_150405"), capturedAt.Nanosecond()/1000)
	relPath := filepath.Join(dir, name)
	fullPath := filepath.Join(s.cfg.Root, relPath)
	if err := os.WriteFile(fullPath, frame, 0644); err != nil {
		framesSaveErrors.WithLabelValues(sourceKey).Inc()
		return "", fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	if s.index != nil {
		if err := s.index.InsertFrame(store.FrameRecord{
			SourceKey:    sourceKey,
			CapturedAt:   capturedAt,
			RelativePath: relPath,
		}); err != nil {
			// The file is on disk; a missing index row is logged only.
			s.logger.Warn("failed to index frame",
				servicelog.String("source", sourceKey), servicelog.Error(err))
		}
	}
	framesSaved.WithLabelValues(sourceKey).Inc()
	return relPath, nil
}

// CurrentSession returns the active session folder for a source, empty
// if none has been allocated yet.
func (s *Sink) CurrentSession(sourceKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sourceKey].dir
}

// Reset drops the session record for a source so the next save
// allocates a fresh folder. Called when a task restarts.
func (s *Sink) Reset(sourceKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sourceKey)
}

// sessionDir returns the session folder for the source, rolling over
// when the current one is older than the session duration. Folders are
// created lazily on first write.
func (s *Sink) sessionDir(sourceKey string, now time.Time) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sourceKey]
	if !ok || now.Sub(sess.created) >= s.cfg.SessionDuration {
		sess = session{
			dir:     filepath.Join(sourceKey, "session_"+now.Format("20060102_150405")),
			created: now,
		}
		s.sessions[sourceKey] = sess
		sessionsOpened.Inc()
		if len(s.sessions) > s.cfg.MaxSessions {
			s.evictLocked(now)
		}
	}
	s.mu.Unlock()

	full := filepath.Join(s.cfg.Root, sess.dir)
	if err := os.MkdirAll(full, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	return sess.dir, nil
}

// evictLocked removes session records older than twice the session
// duration. Caller holds the mutex.
func (s *Sink) evictLocked(now time.Time) {
	cutoff := 2 * s.cfg.SessionDuration
	evicted := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.created) > cutoff {
			delete(s.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("evicted stale session records", servicelog.Int("evicted", evicted))
	}
}
