package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
)

// scriptedSource yields fixed frames, then fails.
type scriptedSource struct {
	frames [][]byte
	pos    int
	final  error
	pace   time.Duration
}

func (s *scriptedSource) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.frames) {
		return nil, s.final
	}
	if s.pace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pace):
		}
	}
	frame := s.frames[s.pos]
	s.pos++
	return frame, nil
}

func (s *scriptedSource) Close() error { return nil }

func frames(tags ...string) [][]byte {
	out := make([][]byte, len(tags))
	for i, tag := range tags {
		out[i] = []byte(tag)
	}
	return out
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	dials := 0
	b := New(servicelog.Nop(), "cam", func(context.Context) (FrameSource, error) {
		dials++
		if dials > 1 {
			return nil, errors.New("gone")
		}
		return &scriptedSource{
			frames: frames("f1"),
			final:  errors.New("eof"),
			pace:   5 * time.Millisecond,
		}, nil
	})

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	select {
	case f := <-ch1:
		require.Equal(t, []byte("f1"), f)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber 1 got no frame")
	}
	select {
	case f := <-ch2:
		require.Equal(t, []byte("f1"), f)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber 2 got no frame")
	}

	b.Stop()
}

func TestSlowSubscriberSeesLatestFrame(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(servicelog.Nop(), "cam", nil)
	ch := make(chan []byte, SubscriberBuffer)
	b.subs[0] = ch

	b.publish([]byte("old"))
	b.publish([]byte("new"))

	require.Equal(t, []byte("new"), <-ch)
	require.Empty(t, ch)
}

func TestProducerReconnectsAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	dials := 0
	b := New(servicelog.Nop(), "cam", func(context.Context) (FrameSource, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("refused")
		}
		return &scriptedSource{
			frames: frames("after-reconnect"),
			final:  errors.New("eof"),
			pace:   5 * time.Millisecond,
		}, nil
	})

	ch, cancel := b.Subscribe()
	defer cancel()

	select {
	case f := <-ch:
		require.Equal(t, []byte("after-reconnect"), f)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame after reconnect")
	}
	require.GreaterOrEqual(t, dials, 2)
	b.Stop()
}

// recordingBackOff counts calls and keeps waits short.
type recordingBackOff struct {
	mu     sync.Mutex
	nexts  int
	resets int
}

func (b *recordingBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nexts++
	return time.Millisecond
}

func (b *recordingBackOff) Reset() {
	b.mu.Lock()
	b.resets++
	b.mu.Unlock()
}

func (b *recordingBackOff) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nexts, b.resets
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	dials := 0
	b := New(servicelog.Nop(), "cam", func(context.Context) (FrameSource, error) {
		dials++
		switch dials {
		case 2, 4:
			return &scriptedSource{
				frames: frames("f"),
				final:  errors.New("eof"),
				pace:   5 * time.Millisecond,
			}, nil
		default:
			return nil, errors.New("refused")
		}
	})
	rec := &recordingBackOff{}
	b.newBackOff = func() backoff.BackOff { return rec }

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("no frame from connection %d", i+1)
		}
	}
	b.Stop()

	// Each failed attempt backs off; each connection that made it to
	// frames restarts the schedule.
	nexts, resets := rec.counts()
	require.GreaterOrEqual(t, nexts, 2)
	require.GreaterOrEqual(t, resets, 2)
}

func TestLastUnsubscribeStopsProducer(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(servicelog.Nop(), "cam", func(context.Context) (FrameSource, error) {
		return &scriptedSource{
			frames: frames("f1", "f2", "f3"),
			final:  errors.New("eof"),
			pace:   10 * time.Millisecond,
		}, nil
	})

	_, cancel := b.Subscribe()
	cancel()
	// goleak verifies the producer goroutine is gone.
}
