// Package csvagg serializes detection and classification records into
// per-stage CSV artifacts and rolls them over on a wall-clock interval.
// Closed artifacts are offered to the uploader exactly once.
package csvagg

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/classifier"
	"github.com/albinoxes/betl-vision-solution/internal/detector"
	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/queue"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

// QueueSize bounds the record backlog across every task.
const QueueSize = 200

// timestampLayout matches the microsecond wall-clock format used in
// every artifact row.
const timestampLayout = "2006-01-02 15:04:05.000000"

// Stage identifies which pipeline produced a record.
type Stage string

const (
	StageDetector   Stage = "detector"
	StageClassifier Stage = "classifier"
)

var (
	detectorHeader = []string{
		"timestamp", "image", "xyxy", "conf",
		"width_px", "height_px", "width_mm", "height_mm",
		"max_d_mm", "volume_est", "time_diff", "images_per_second",
	}
	classifierHeader = []string{
		"ProjectTitle", "FileCreationTimestamp", "StatusTimestamp", "Data",
	}
)

var (
	rowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvagg_rows_written",
			Help: "Rows appended to CSV artifacts",
		},
		[]string{"stage"},
	)

	artifactsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvagg_artifacts_closed",
			Help: "Artifacts closed and offered to the uploader",
		},
		[]string{"stage"},
	)

	appendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csvagg_append_errors",
			Help: "Failed CSV appends",
		},
		[]string{"stage"},
	)
)

// Offerer receives each closed artifact exactly once. The return value
// reports whether the artifact was accepted for upload.
type Offerer interface {
	OfferClosedArtifact(path string, stage Stage) bool
}

// Config tunes the aggregator.
type Config struct {
	Dir      string        // local directory for artifacts
	Interval time.Duration // rollover age when the project sets none, default 60 s
}

func (c *Config) check() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

type record struct {
	stage     Stage
	sourceKey string
	project   store.ProjectSettings
	at        time.Time

	particles []detector.Particle // detector stage
	framePath string

	tag string // classifier stage
}

// artifact is one open CSV file for a (stage, source) pair.
type artifact struct {
	path    string
	created time.Time
	file    *os.File
	writer  *csv.Writer
}

type streamKey struct {
	stage  Stage
	source string
}

// Aggregator owns the CSV queue. A single consumer goroutine serializes
// every append and rollover, so per-artifact state needs no locking.
type Aggregator struct {
	*queue.Worker[record]
	logger  servicelog.Logger
	cfg     Config
	offerer Offerer
	clock   func() time.Time

	open       map[streamKey]*artifact
	lastAppend map[streamKey]time.Time // detector time_diff bookkeeping
}

func New(logger servicelog.Logger, cfg Config, offerer Offerer) *Aggregator {
	cfg.check()
	a := &Aggregator{
		logger:     logger,
		cfg:        cfg,
		offerer:    offerer,
		clock:      time.Now,
		open:       make(map[streamKey]*artifact),
		lastAppend: make(map[streamKey]time.Time),
	}
	a.Worker = queue.New(logger, "csv", QueueSize, a.handle)
	return a
}

// OfferDetections implements detector.Sink.
func (a *Aggregator) OfferDetections(res detector.Result) {
	err := a.Enqueue(record{
		stage:     StageDetector,
		sourceKey: res.SourceKey,
		project:   res.Project,
		at:        res.CapturedAt,
		particles: res.Particles,
		framePath: res.FramePath,
	})
	if err != nil {
		a.logger.Warn("detector record not queued",
			servicelog.String("source", res.SourceKey), servicelog.Error(err))
	}
}

// OfferStatus implements classifier.Sink.
func (a *Aggregator) OfferStatus(res classifier.Result) {
	err := a.Enqueue(record{
		stage:     StageClassifier,
		sourceKey: res.SourceKey,
		project:   res.Project,
		at:        res.CapturedAt,
		tag:       res.Tag,
	})
	if err != nil {
		a.logger.Warn("classifier record not queued",
			servicelog.String("source", res.SourceKey), servicelog.Error(err))
	}
}

// Stop drains the queue and then closes every remaining open artifact,
// offering each to the uploader. If the consumer does not finish in
// time the artifacts stay with it; touching them here would race its
// writes.
func (a *Aggregator) Stop(timeout time.Duration) bool {
	if !a.Worker.Stop(timeout) {
		return false
	}
	for key, art := range a.open {
		a.closeAndOffer(key, art)
		delete(a.open, key)
	}
	return true
}

func (a *Aggregator) handle(rec record) error {
	now := a.clock()
	key := streamKey{stage: rec.stage, source: rec.sourceKey}

	// The project record sets the rollover cadence; records carry their
	// project so a settings change applies from the next record on.
	interval := rec.project.CSVInterval()
	if interval <= 0 {
		interval = a.cfg.Interval
	}

	art, ok := a.open[key]
	if ok && now.Sub(art.created) >= interval {
		// Close-then-offer-then-open: the uploader must see the closed
		// artifact before the fresh one takes its first row.
		a.closeAndOffer(key, art)
		delete(a.open, key)
		ok = false
	}
	if !ok {
		created, err := a.create(rec, now)
		if err != nil {
			appendErrors.WithLabelValues(string(rec.stage)).Inc()
			return err
		}
		art = created
		a.open[key] = art
	}

	if err := a.append(key, art, rec, now); err != nil {
		// The artifact stays open; the next arrival retries.
		appendErrors.WithLabelValues(string(rec.stage)).Inc()
		return err
	}
	return nil
}

func (a *Aggregator) create(rec record, now time.Time) (*artifact, error) {
	name := fmt.Sprintf("%s_%s_%06d.csv",
		subfolder(rec.stage, rec.project), now.Format("20060102_150405"), now.Nanosecond()/1000)
	path := filepath.Join(a.cfg.Dir, name)
	if err := os.MkdirAll(a.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	art := &artifact{path: path, created: now, file: file, writer: csv.NewWriter(file)}

	header := detectorHeader
	if rec.stage == StageClassifier {
		header = classifierHeader
	}
	if err := art.writer.Write(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	art.writer.Flush()
	if err := art.writer.Error(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	a.logger.Debug("opened csv artifact",
		servicelog.String("stage", string(rec.stage)), servicelog.String("path", path))
	return art, nil
}

func (a *Aggregator) append(key streamKey, art *artifact, rec record, now time.Time) error {
	switch rec.stage {
	case StageDetector:
		timeDiff := 0.0
		if last, ok := a.lastAppend[key]; ok {
			timeDiff = now.Sub(last).Seconds()
		}
		ips := 0.0
		if timeDiff > 0 {
			ips = 1 / timeDiff
		}
		for _, p := range rec.particles {
			row := []string{
				rec.at.Format(timestampLayout),
				rec.framePath,
				xyxy(p.Box),
				fmt.Sprintf("%.2f", p.Conf),
				strconv.Itoa(p.WidthPx),
				strconv.Itoa(p.HeightPx),
				strconv.Itoa(p.WidthMM),
				strconv.Itoa(p.HeightMM),
				strconv.Itoa(p.MaxDMM),
				strconv.FormatFloat(p.VolumeEst, 'g', -1, 64),
				strconv.FormatFloat(timeDiff, 'f', 6, 64),
				fmt.Sprintf("%.2f", ips),
			}
			if err := art.writer.Write(row); err != nil {
				return fmt.Errorf("%w: %v", faults.ErrStorage, err)
			}
		}
	case StageClassifier:
		row := []string{
			rec.project.Title,
			art.created.Format(timestampLayout),
			rec.at.Format(timestampLayout),
			rec.tag,
		}
		if err := art.writer.Write(row); err != nil {
			return fmt.Errorf("%w: %v", faults.ErrStorage, err)
		}
	}

	art.writer.Flush()
	if err := art.writer.Error(); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStorage, err)
	}
	a.lastAppend[key] = now
	rowsWritten.WithLabelValues(string(rec.stage)).Inc()
	return nil
}

// closeAndOffer closes the artifact and hands it to the uploader. A
// close failure is logged but the offer still happens.
func (a *Aggregator) closeAndOffer(key streamKey, art *artifact) {
	art.writer.Flush()
	if err := art.file.Close(); err != nil {
		a.logger.Warn("csv close failed",
			servicelog.String("path", art.path), servicelog.Error(err))
	}
	artifactsClosed.WithLabelValues(string(key.stage)).Inc()
	if a.offerer != nil && !a.offerer.OfferClosedArtifact(art.path, key.stage) {
		a.logger.Warn("closed artifact not accepted for upload",
			servicelog.String("path", art.path))
	}
}

// subfolder names the remote stage directory, doubling as the artifact
// name prefix.
func subfolder(stage Stage, p store.ProjectSettings) string {
	if stage == StageClassifier {
		if p.IrisClassifierSubfolder != "" {
			return p.IrisClassifierSubfolder
		}
		return "iris_classifier_subfolder"
	}
	if p.IrisModelSubfolder != "" {
		return p.IrisModelSubfolder
	}
	return "iris_model_subfolder"
}

func xyxy(box [4]float64) string {
	parts := make([]string, len(box))
	for i, v := range box {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
