package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/liliang-cn/sqgraph/pkg/core"
)

// DefaultRetentionSchedule runs cleanup once a day at 03:00
const DefaultRetentionSchedule = "0 3 * * *"

// Retention periodically removes events older than MaxAge on a cron schedule.
type Retention struct {
	log      *Log
	maxAge   time.Duration
	schedule string
	logger   core.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	lastRun time.Time
	removed int
}

// NewRetention validates the cron expression; an empty schedule uses DefaultRetentionSchedule.
func NewRetention(l *Log, maxAge time.Duration, schedule string) (*Retention, error) {
	if maxAge <= 0 {
		return nil, core.ValidationError("retention", "max age must be positive")
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, core.ValidationError("retention", fmt.Sprintf("invalid cron expression %q", schedule))
	}
	return &Retention{
		log:      l,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   l.logger.With("component", "retention"),
	}, nil
}

// Start launches the scheduling loop. Calling Start twice is a no-op.
func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
}

// Stop ends the loop and waits for a running cleanup to finish
func (r *Retention) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Retention) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		next, err := gronx.NextTick(r.schedule, false)
		if err != nil {
			r.logger.Error("retention schedule failed", "schedule", r.schedule, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("retention cleanup failed", "error", err)
		}
		cancel()
	}
}

// RunOnce removes events older than now minus MaxAge
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	n, err := r.log.Cleanup(ctx, core.Now().Add(-r.maxAge))
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.lastRun = core.Now()
	r.removed += n
	r.mu.Unlock()
	return n, nil
}

// Status reports when cleanup last ran and how many events it removed in total
func (r *Retention) Status() (lastRun time.Time, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.removed
}
