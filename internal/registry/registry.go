// Package registry wires the process-wide singletons together and
// shuts them down in dependency order, producers before consumers.
package registry

import (
	"time"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/csvagg"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/health"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
	"github.com/albinoxes/betl-vision-solution/internal/supervisor"
	"github.com/albinoxes/betl-vision-solution/internal/uploader"
)

// Timeouts bounds each shutdown step. The uploader gets the longest
// window since it may still be draining artifacts rolled over during
// the stop.
type Timeouts struct {
	Tasks    time.Duration
	Workers  time.Duration
	Uploader time.Duration
}

func (t *Timeouts) check() {
	if t.Tasks <= 0 {
		t.Tasks = supervisor.DefaultStopTimeout
	}
	if t.Workers <= 0 {
		t.Workers = 5 * time.Second
	}
	if t.Uploader <= 0 {
		t.Uploader = 30 * time.Second
	}
}

// Registry holds the singletons of one aggregator process.
type Registry struct {
	Logger      servicelog.Logger
	Streams     *stream.Client
	Supervisor  *supervisor.Supervisor
	Detectors   *detector.Worker
	Classifiers *classifier.Worker
	Aggregator  *csvagg.Aggregator
	Uploader    *uploader.Uploader
	Health      *health.Service
}

// Start launches every queue consumer. Health monitors and ingest
// tasks start on demand.
func (r *Registry) Start() {
	r.Uploader.Start()
	r.Aggregator.Start()
	r.Detectors.Start()
	r.Classifiers.Start()
}

// Shutdown stops everything in order: tasks first so no new frames
// enter, then the stages upstream-to-downstream so each drain feeds
// the next, then monitors, connections and finally the logger.
func (r *Registry) Shutdown(timeouts Timeouts) {
	timeouts.check()

	if err := r.Supervisor.StopAll(timeouts.Tasks); err != nil {
		r.Logger.Warn("not all tasks stopped cleanly", servicelog.Error(err))
	}
	if !r.Detectors.Stop(timeouts.Workers) {
		r.Logger.Warn("detector worker did not drain in time")
	}
	if !r.Classifiers.Stop(timeouts.Workers) {
		r.Logger.Warn("classifier worker did not drain in time")
	}
	if !r.Aggregator.Stop(timeouts.Workers) {
		r.Logger.Warn("csv aggregator did not drain in time")
	}
	if !r.Uploader.Stop(timeouts.Uploader) {
		r.Logger.Warn("uploader did not drain in time")
	}
	r.Health.Stop()
	r.Streams.Close()
	r.Logger.Info("shutdown complete")
	r.Logger.Sync()
}
