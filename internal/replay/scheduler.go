package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Scheduler releases buffered chunks at the cadence they were recorded:
// chunk i goes out no earlier than start + i*Interval. It never adapts to
// upstream backpressure.
type Scheduler struct {
	Clock    clock.Clock
	Interval time.Duration
	Send     func([]byte) error
	Alive    func() bool
	Log      *slog.Logger
}

type Result struct {
	Sent    int
	Skipped int
	Failed  int
}

// Run blocks until every chunk has been sent or skipped. Once ctx is done or
// Alive reports false, the remaining chunks are skipped without sending.
func (s *Scheduler) Run(ctx context.Context, chunks [][]byte) Result {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = ChunkDuration
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	progress := rate.Sometimes{Every: 10}

	var res Result
	start := clk.Now()

	for i, chunk := range chunks {
		due := start.Add(time.Duration(i) * interval)
		if wait := due.Sub(clk.Now()); wait > 0 {
			timer := clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Skipped += len(chunks) - i
				return res
			case <-timer.C:
			}
		}

		if ctx.Err() != nil || (s.Alive != nil && !s.Alive()) {
			res.Skipped += len(chunks) - i
			return res
		}

		if err := s.Send(chunk); err != nil {
			res.Failed++
			log.Warn("replay chunk not delivered", "index", i, "error", err)
			continue
		}
		res.Sent++
		progress.Do(func() {
			log.Debug("replay progress", "index", i, "total", len(chunks))
		})
	}

	return res
}
