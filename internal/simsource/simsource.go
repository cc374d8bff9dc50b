// Package simsource serves a folder of JPEGs as an MJPEG stream,
// cycling the files in name order and picking up newly dropped files
// through a filesystem watcher.
package simsource

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

// DefaultFPS is the playback rate when none is configured.
const DefaultFPS = 10.0

var (
	partsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simsource_parts_served",
		Help: "MJPEG parts written to viewers",
	})

	viewersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simsource_viewers_active",
		Help: "Streaming connections currently open",
	})
)

// Source watches one folder of JPEG files.
type Source struct {
	logger  servicelog.Logger
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	files []string
}

func New(logger servicelog.Logger, dir string) (*Source, error) {
	s := &Source{
		logger: logger,
		dir:    dir,
		done:   make(chan struct{}),
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Close stops the watcher.
func (s *Source) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}

// Files returns the current playback list.
func (s *Source) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

func (s *Source) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isJPEG(event.Name) {
				continue
			}
			if err := s.rescan(); err != nil {
				s.logger.Warn("rescan failed", servicelog.Error(err))
				continue
			}
			s.logger.Debug("playback list updated",
				servicelog.String("event", event.Op.String()),
				servicelog.Int("files", len(s.Files())))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", servicelog.Error(err))
		}
	}
}

func (s *Source) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isJPEG(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(files)

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	return nil
}

func isJPEG(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpg" || ext == ".jpeg"
}

// Handler returns the HTTP mux of a simulator server: the MJPEG stream
// on /video and the device listing on /devices.
func (s *Source) Handler(fps float64) http.Handler {
	if fps <= 0 {
		fps = DefaultFPS
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		s.stream(w, r, fps)
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 0, "info": "simulator: " + s.dir, "status": "ok"},
		})
	})
	return mux
}

// stream cycles the playback list until the viewer disconnects.
func (s *Source) stream(w http.ResponseWriter, r *http.Request, fps float64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")

	viewersActive.Inc()
	defer viewersActive.Dec()
	s.logger.Info("viewer connected", servicelog.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	pos := 0
	for {
		files := s.Files()
		if len(files) == 0 {
			// Empty folder: idle until files appear or the viewer leaves.
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if pos >= len(files) {
			pos = 0
		}
		data, err := os.ReadFile(files[pos])
		pos++
		if err != nil {
			// The file may have been removed between listing and read.
			s.logger.Debug("skipping unreadable file", servicelog.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
		partsServed.Inc()

		select {
		case <-r.Context().Done():
			s.logger.Info("viewer disconnected", servicelog.String("remote", r.RemoteAddr))
			return
		case <-ticker.C:
		}
	}
}
