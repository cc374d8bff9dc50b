// Package broker fans one upstream MJPEG source out to N subscribers
// with drop-older delivery, so a single camera connection can feed
// several viewers at once.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/stream"
)

// SubscriberBuffer is the per-subscriber channel depth. One slot is
// enough for latest-frame delivery.
const SubscriberBuffer = 1

var (
	framesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_frames_published",
			Help: "Frames delivered to subscribers",
		},
		[]string{"broker"},
	)

	framesDroppedOld = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_frames_dropped",
			Help: "Frames displaced by a newer one before delivery",
		},
		[]string{"broker"},
	)

	reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_reconnects",
			Help: "Producer reconnect attempts",
		},
		[]string{"broker"},
	)
)

// FrameSource yields decoded JPEG frames until it fails.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dial opens a fresh connection to the upstream.
type Dial func(ctx context.Context) (FrameSource, error)

// Broker owns one producer goroutine that runs while at least one
// subscriber is attached. Connection losses trigger exponential-backoff
// reconnects; subscribers just see a gap in frames.
type Broker struct {
	logger     servicelog.Logger
	name       string
	dial       Dial
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextID  int
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(logger servicelog.Logger, name string, dial Dial) *Broker {
	return &Broker{
		logger: logger,
		name:   name,
		dial:   dial,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0 // retry until the last subscriber leaves
			return bo
		},
		subs: make(map[int]chan []byte),
	}
}

// NewMJPEG builds a broker over an HTTP MJPEG upstream.
func NewMJPEG(logger servicelog.Logger, client *stream.Client, name, url string) *Broker {
	return New(logger, name, func(ctx context.Context) (FrameSource, error) {
		st, err := client.Open(ctx, url)
		if err != nil {
			return nil, err
		}
		return &mjpegSource{
			framer: stream.NewFramer(logger, st),
			stream: st,
		}, nil
	})
}

type mjpegSource struct {
	framer *stream.Framer
	stream *stream.Stream
}

func (s *mjpegSource) Next(ctx context.Context) ([]byte, error) { return s.framer.Next(ctx) }
func (s *mjpegSource) Close() error                             { return s.stream.Close() }

// Subscribe attaches a new consumer and returns its channel plus an
// unsubscribe function. The producer starts with the first subscriber
// and stops when the last one leaves.
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, SubscriberBuffer)
	b.subs[id] = ch
	if !b.running {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.done = make(chan struct{})
		b.running = true
		go b.produce(ctx, b.done)
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() { once.Do(func() { b.unsubscribe(id) }) }
}

func (b *Broker) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	var cancel context.CancelFunc
	var done chan struct{}
	if len(b.subs) == 0 && b.running {
		cancel = b.cancel
		done = b.done
		b.running = false
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Stop detaches every subscriber and stops the producer.
func (b *Broker) Stop() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	var cancel context.CancelFunc
	var done chan struct{}
	if b.running {
		cancel = b.cancel
		done = b.done
		b.running = false
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Broker) produce(ctx context.Context, done chan struct{}) {
	defer close(done)
	bo := b.newBackOff()
	for {
		err := b.consumeOnce(ctx, bo.Reset)
		if errors.Is(err, faults.ErrShutdown) || ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		reconnects.WithLabelValues(b.name).Inc()
		b.logger.Warn("upstream lost, reconnecting",
			servicelog.String("broker", b.name),
			servicelog.Duration("wait", wait),
			servicelog.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consumeOnce opens one connection and publishes frames until it fails.
// connected fires after a successful dial so the reconnect backoff
// restarts from its initial interval.
func (b *Broker) consumeOnce(ctx context.Context, connected func()) error {
	source, err := b.dial(ctx)
	if err != nil {
		return err
	}
	connected()
	defer source.Close()
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			return err
		}
		b.publish(frame)
	}
}

// publish delivers the frame to every subscriber, displacing a stale
// undelivered frame rather than blocking the producer.
func (b *Broker) publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
				framesDroppedOld.WithLabelValues(b.name).Inc()
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
	framesPublished.WithLabelValues(b.name).Inc()
}
