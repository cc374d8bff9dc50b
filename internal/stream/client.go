// Package stream opens upstream MJPEG connections and cuts the byte
// stream into JPEG frames.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/albinoxes/betl-vision-solution/internal/faults"
	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

var (
	streamsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_opened_total",
		Help: "Upstream MJPEG streams opened",
	})

	streamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_bytes_total",
		Help: "Bytes read from upstream MJPEG streams",
	})

	streamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Stream errors by kind",
		},
		[]string{"kind"},
	)
)

// ChunkSize is how many bytes a single Next call reads at most.
const ChunkSize = 8192

// Options bound the shared connection pool.
type Options struct {
	ConnectTimeout  time.Duration // connect phase only; streams have no read deadline
	ProbeTimeout    time.Duration // whole-request timeout for probes
	MaxConnsPerHost int
	MaxTotalConns   int
}

func (o *Options) check() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = 20
	}
	if o.MaxTotalConns <= 0 {
		o.MaxTotalConns = 100
	}
}

// Client owns two http clients over separate transports: one for
// open-ended streams, one for short probes. They are never shared, so
// a pool entry tuned for streaming is never reused for a regular
// request.
type Client struct {
	logger    servicelog.Logger
	streaming *http.Client
	probing   *http.Client
}

func NewClient(logger servicelog.Logger, opts Options) *Client {
	opts.check()
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	streamTransport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConns:        opts.MaxTotalConns,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		// Streams are open-ended: no ResponseHeaderTimeout past the
		// connect phase, reads unblock through Stream.Close.
	}
	probeTransport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConns:        opts.MaxTotalConns,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
	}
	return &Client{
		logger:    logger,
		streaming: &http.Client{Transport: streamTransport},
		probing:   &http.Client{Transport: probeTransport, Timeout: opts.ProbeTimeout},
	}
}

// Probe issues a short GET against a health URL. Any connection error,
// timeout or non-200 is reported through the fault taxonomy.
func (c *Client) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrTransport, err)
	}
	resp, err := c.probing.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", faults.ErrConnect, resp.StatusCode)
	}
	return nil
}

// Get issues a short request and returns the open response. Used by
// the device listing and the visualization passthrough bootstrap.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrTransport, err)
	}
	resp, err := c.probing.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// Open starts a streaming GET. The returned Stream must be closed;
// Close force-closes the connection so a blocked read returns.
func (c *Client) Open(ctx context.Context, url string) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", faults.ErrTransport, err)
	}
	resp, err := c.streaming.Do(req)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d", faults.ErrTransport, resp.StatusCode)
	}
	streamsOpened.Inc()
	c.logger.Debug("stream opened", servicelog.String("url", url))
	return &Stream{
		body:   resp.Body,
		cancel: cancel,
		buf:    make([]byte, ChunkSize),
	}, nil
}

// Close releases idle pool connections. Open streams are closed by
// their owners.
func (c *Client) Close() {
	c.streaming.CloseIdleConnections()
	c.probing.CloseIdleConnections()
}

// Stream is one open MJPEG connection.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	buf    []byte
	closed atomic.Bool
}

// Next reads the next chunk of raw bytes. The returned slice is valid
// until the following call. Cancellation surfaces as faults.ErrClosed.
func (s *Stream) Next() ([]byte, error) {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		streamBytes.Add(float64(n))
		return s.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		streamErrors.WithLabelValues("closed").Inc()
		return nil, faults.ErrClosed
	}
	streamErrors.WithLabelValues("transport").Inc()
	return nil, fmt.Errorf("%w: %v", faults.ErrTransport, err)
}

// Close cancels the request and closes the body. Any read blocked in
// Next returns promptly with faults.ErrClosed.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.cancel()
	return s.body.Close()
}

// classify maps transport errors onto the fault taxonomy.
func classify(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		streamErrors.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %v", faults.ErrTimeout, err)
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		streamErrors.WithLabelValues("connect").Inc()
		return fmt.Errorf("%w: %v", faults.ErrConnect, err)
	}
	if errors.Is(err, context.Canceled) {
		streamErrors.WithLabelValues("closed").Inc()
		return faults.ErrClosed
	}
	streamErrors.WithLabelValues("transport").Inc()
	return fmt.Errorf("%w: %v", faults.ErrTransport, err)
}
