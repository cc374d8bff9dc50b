// Package queue implements the bounded work queue every pipeline stage
// runs on: multi-producer, single-consumer, drop-on-full, best-effort
// drain at shutdown.
package queue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

var (
	queuedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_queued",
			Help: "Items accepted into a work queue",
		},
		[]string{"queue"},
	)

	processedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_processed",
			Help: "Items processed by a work queue",
		},
		[]string{"queue"},
	)

	failedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_failed",
			Help: "Items whose handler returned an error",
		},
		[]string{"queue"},
	)

	droppedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_items_dropped",
			Help: "Items dropped because the queue was full",
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of items waiting in a work queue",
		},
		[]string{"queue"},
	)
)

// DefaultWait is how long the consumer sleeps between stop-flag checks
// when the queue is idle.
const DefaultWait = time.Second

// Handler processes one dequeued item. A returned error counts the
// item as failed; it is never retried.
type Handler[T any] func(item T) error

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Queued    uint64 `json:"total_queued"`
	Processed uint64 `json:"total_processed"`
	Failed    uint64 `json:"total_failed"`
	Dropped   uint64 `json:"total_dropped"`
	Depth     int    `json:"queue_size"`
}

// Worker owns a bounded FIFO and the single goroutine consuming it.
type Worker[T any] struct {
	name    string
	logger  servicelog.Logger
	handler Handler[T]
	items   chan T
	wait    time.Duration

	queued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	stopping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	startO   sync.Once
	stopO    sync.Once
}

// New builds a worker with the given queue capacity. Start must be
// called before items are processed.
func New[T any](logger servicelog.Logger, name string, size int, handler Handler[T]) *Worker[T] {
	return &Worker[T]{
		name:    name,
		logger:  logger.With(servicelog.String("queue", name)),
		handler: handler,
		items:   make(chan T, size),
		wait:    DefaultWait,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Safe to call once.
func (w *Worker[T]) Start() {
	w.startO.Do(func() {
		go w.consume()
	})
}

// Enqueue offers an item without blocking. On a full queue the item is
// dropped and faults.ErrQueueFull returned; after Stop it returns
// faults.ErrShutdown.
func (w *Worker[T]) Enqueue(item T) error {
	if w.stopping.Load() {
		return faults.ErrShutdown
	}
	select {
	case w.items <- item:
		w.queued.Inc()
		queuedItems.WithLabelValues(w.name).Inc()
		if w.stopping.Load() {
			// Lost the race with Stop: the consumer's final drain pass
			// may already be over. Pull one item back out so nothing is
			// stranded in the channel; if the drain got there first the
			// channel is simply empty. Every queued item still ends up
			// processed, failed or dropped.
			select {
			case <-w.items:
				w.dropped.Inc()
				droppedItems.WithLabelValues(w.name).Inc()
			default:
			}
			queueDepth.WithLabelValues(w.name).Set(float64(len(w.items)))
			return faults.ErrShutdown
		}
		queueDepth.WithLabelValues(w.name).Set(float64(len(w.items)))
		return nil
	default:
		w.dropped.Inc()
		droppedItems.WithLabelValues(w.name).Inc()
		w.logger.Warn("queue full, dropping item")
		return faults.ErrQueueFull
	}
}

// Stop signals the consumer, waits for it to drain the remaining items
// and exit. Returns false if the consumer did not finish in time.
// After a successful Stop no queue goroutine is left running.
func (w *Worker[T]) Stop(timeout time.Duration) bool {
	w.stopO.Do(func() {
		w.stopping.Store(true)
		close(w.stop)
	})
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		w.logger.Warn("worker did not stop in time", servicelog.Duration("timeout", timeout))
		return false
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker[T]) Stats() Stats {
	return Stats{
		Queued:    w.queued.Load(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Depth:     len(w.items),
	}
}

func (w *Worker[T]) consume() {
	defer close(w.done)
	w.logger.Info("worker started")
	idle := time.NewTimer(w.wait)
	defer idle.Stop()
	for {
		select {
		case <-w.stop:
			w.drain()
			w.logger.Info("worker stopped", servicelog.Any("stats", w.Stats()))
			return
		case item := <-w.items:
			w.process(item)
		case <-idle.C:
			// Periodic wakeup keeps the depth gauge fresh and bounds
			// the time between stop-flag checks.
			queueDepth.WithLabelValues(w.name).Set(float64(len(w.items)))
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.wait)
	}
}

// drain consumes whatever is left after stop was signaled.
func (w *Worker[T]) drain() {
	remaining := len(w.items)
	if remaining > 0 {
		w.logger.Info("draining remaining items", servicelog.Int("remaining", remaining))
	}
	for {
		select {
		case item := <-w.items:
			w.process(item)
		default:
			queueDepth.WithLabelValues(w.name).Set(0)
			return
		}
	}
}

func (w *Worker[T]) process(item T) {
	start := time.Now()
	if err := w.handler(item); err != nil {
		w.failed.Inc()
		failedItems.WithLabelValues(w.name).Inc()
		w.logger.Error("failed to process item", servicelog.Error(err))
	} else {
		w.processed.Inc()
		processedItems.WithLabelValues(w.name).Inc()
		w.logger.Debug("item processed", servicelog.Duration("elapsed", time.Since(start)))
	}
	queueDepth.WithLabelValues(w.name).Set(float64(len(w.items)))
}
