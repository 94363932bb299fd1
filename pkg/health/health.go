package health

import (
	"context"
	"time"
)

// Result is the outcome of one reachability probe.
type Result struct {
	Reachable bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Probe checks whether a guest service answers.
type Probe interface {
	Probe(ctx context.Context) Result

	// Target names what is being probed, for logs and reports.
	Target() string
}

// WaitReady polls a probe until it reports reachable or the context
// expires. The last result is returned either way.
func WaitReady(ctx context.Context, p Probe, interval time.Duration) Result {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res := p.Probe(ctx)
		if res.Reachable {
			return res
		}
		select {
		case <-ctx.Done():
			return res
		case <-ticker.C:
		}
	}
}
