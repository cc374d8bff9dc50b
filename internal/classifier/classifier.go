// Package classifier runs the belt-status classification stage. Frames
// are normalized to the model input size, classified, and the class
// index is resolved to a status tag for the CSV aggregator.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	xdraw "golang.org/x/image/draw"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/queue"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/store"
)

const (
	// QueueSize bounds the classifier backlog.
	QueueSize = 50

	// InputSize is the default square model input.
	InputSize = 150
)

var (
	statusesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_statuses_emitted",
			Help: "Status tags forwarded to the aggregator",
		},
		[]string{"source", "tag"},
	)

	indexClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classifier_index_clamps",
		Help: "Class indices clamped to the status table bounds",
	})

	inferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classifier_inference_seconds",
		Help:    "Classifier model latency",
		Buckets: prometheus.DefBuckets,
	})
)

// Model is the classification contract. The input image is already
// resized and channel-normalized by the worker.
type Model interface {
	Classify(ctx context.Context, img image.Image) (int, error)
}

// Loader resolves a model id to a ready classifier.
type Loader interface {
	LoadClassifier(id string) (Model, error)
}

// Request is one sampled frame queued for classification. Names is the
// status table snapshot taken when the task started.
type Request struct {
	SourceKey  string
	Frame      []byte
	CapturedAt time.Time
	Model      Model
	Names      []string
	Project    store.ProjectSettings
}

// Result is one resolved status tag.
type Result struct {
	SourceKey  string
	CapturedAt time.Time
	Project    store.ProjectSettings
	Tag        string
}

// Sink consumes classification results, normally the CSV aggregator.
type Sink interface {
	OfferStatus(res Result)
}

// Worker owns the classification queue.
type Worker struct {
	*queue.Worker[Request]
	logger servicelog.Logger
	sink   Sink
}

func NewWorker(logger servicelog.Logger, sink Sink) *Worker {
	w := &Worker{logger: logger, sink: sink}
	w.Worker = queue.New(logger, "classifier", QueueSize, w.process)
	return w
}

func (w *Worker) process(req Request) error {
	img, err := jpeg.Decode(bytes.NewReader(req.Frame))
	if err != nil {
		w.logger.Warn("dropping undecodable frame",
			servicelog.String("source", req.SourceKey), servicelog.Error(err))
		return fmt.Errorf("%w: %v", faults.ErrDecode, err)
	}

	begin := time.Now()
	idx, err := req.Model.Classify(context.Background(), Normalize(img, InputSize))
	inferenceSeconds.Observe(time.Since(begin).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInference, err)
	}

	tag, clamped := resolveTag(req.Names, idx)
	if clamped {
		indexClamps.Inc()
		w.logger.Error("class index out of range, clamped",
			servicelog.String("source", req.SourceKey),
			servicelog.Int("index", idx),
			servicelog.Int("classes", len(req.Names)))
	}
	if tag == "" {
		return fmt.Errorf("%w: empty status table", faults.ErrConfig)
	}

	statusesEmitted.WithLabelValues(req.SourceKey, tag).Inc()
	w.sink.OfferStatus(Result{
		SourceKey:  req.SourceKey,
		CapturedAt: req.CapturedAt,
		Project:    req.Project,
		Tag:        tag,
	})
	return nil
}

// Normalize scales the frame to a square model input. Grayscale and
// subsampled sources come out as plain RGBA, so models always see three
// usable channels.
func Normalize(img image.Image, size int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}

// resolveTag maps a class index to its status name, clamping indices
// beyond the table to the last valid entry.
func resolveTag(names []string, idx int) (string, bool) {
	if len(names) == 0 {
		return "", false
	}
	if idx < 0 {
		return names[0], true
	}
	if idx >= len(names) {
		return names[len(names)-1], true
	}
	return names[idx], false
}
