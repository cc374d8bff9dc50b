package detector

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/queue"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

// QueueSize bounds the detector backlog; frames beyond it are dropped.
const QueueSize = 50

var (
	particlesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_particles_detected",
			Help: "Particles inside the reporting window",
		},
		[]string{"source"},
	)

	particlesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_particles_saved",
			Help: "Particles inside the retention window",
		},
		[]string{"source"},
	)

	inferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "detector_inference_seconds",
		Help:    "Detector model latency",
		Buckets: prometheus.DefBuckets,
	})
)

// Request is one sampled frame queued for detection. The model and
// settings travel with the frame so a task restart with a different
// model cannot relabel frames already in flight.
type Request struct {
	SourceKey  string
	Frame      []byte
	FramePath  string
	CapturedAt time.Time
	Model      Model
	Settings   store.DetectorSettings
	Project    store.ProjectSettings
}

// Result carries the reportable particles of one frame downstream.
type Result struct {
	SourceKey  string
	CapturedAt time.Time
	FramePath  string
	Project    store.ProjectSettings
	Particles  []Particle
}

// Sink consumes detection results, normally the CSV aggregator.
type Sink interface {
	OfferDetections(res Result)
}

// Worker owns the detection queue. One consumer goroutine decodes,
// infers and measures; results inside the reporting window go to the
// sink, results inside the retention window are counted.
type Worker struct {
	*queue.Worker[Request]
	logger servicelog.Logger
	sink   Sink
}

func NewWorker(logger servicelog.Logger, sink Sink) *Worker {
	w := &Worker{logger: logger, sink: sink}
	w.Worker = queue.New(logger, "detector", QueueSize, w.process)
	return w
}

func (w *Worker) process(req Request) error {
	img, err := decodeRGBA(req.Frame)
	if err != nil {
		w.logger.Warn("dropping undecodable frame",
			servicelog.String("source", req.SourceKey), servicelog.Error(err))
		return err
	}

	begin := time.Now()
	boxes, err := req.Model.Detect(context.Background(), img, req.Settings.MinConf, ParticleClass)
	inferenceSeconds.Observe(time.Since(begin).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}

	all := Measure(boxes, req.Settings)
	toDetect := Filter(all, req.Settings.MinDDetect, req.Settings.MaxDDetect)
	toSave := Filter(all, req.Settings.MinDSave, req.Settings.MaxDSave)
	particlesDetected.WithLabelValues(req.SourceKey).Add(float64(len(toDetect)))
	particlesSaved.WithLabelValues(req.SourceKey).Add(float64(len(toSave)))

	if len(toDetect) == 0 {
		return nil
	}
	w.sink.OfferDetections(Result{
		SourceKey:  req.SourceKey,
		CapturedAt: req.CapturedAt,
		FramePath:  req.FramePath,
		Project:    req.Project,
		Particles:  toDetect,
	})
	return nil
}

// decodeRGBA decodes a JPEG and normalizes it to RGBA so models see a
// single pixel layout regardless of the source subsampling.
func decodeRGBA(frame []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrDecode, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}
