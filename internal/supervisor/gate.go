package supervisor

import "time"

// gate is a per-stage wall-clock throttle: it admits one frame per
// interval. State is owned by the single ingest goroutine of a task, so
// no locking is needed.
type gate struct {
	interval time.Duration
	last     time.Time
}

func newGate(interval time.Duration) *gate {
	return &gate{interval: interval}
}

// allow reports whether a frame at now may pass, and records it if so.
func (g *gate) allow(now time.Time) bool {
	if g.interval <= 0 {
		return true
	}
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}
