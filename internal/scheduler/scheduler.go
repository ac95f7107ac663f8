package scheduler

import (
	"context"
	"sync"
	"time"

	"shelfplay/internal/maintenance"
)

const DefaultInterval = 30 * time.Minute

// Scheduler runs the maintenance sweeps: once at startup, then periodically.
type Scheduler struct {
	reclaimer *maintenance.Reclaimer
	interval  time.Duration

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

func New(r *maintenance.Reclaimer, opts ...Option) *Scheduler {
	sch := &Scheduler{
		reclaimer: r,
		interval:  DefaultInterval,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

func (sch *Scheduler) Start(ctx context.Context) {
	sch.startOnce.Do(func() {
		ctx, sch.cancel = context.WithCancel(ctx)
		go sch.run(ctx)
	})
}

func (sch *Scheduler) Stop() {
	if sch.cancel != nil {
		sch.cancel()
		<-sch.done
	}
}

func (sch *Scheduler) run(ctx context.Context) {
	defer close(sch.done)

	sch.reclaimer.Sweep()

	ticker := time.NewTicker(sch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sch.reclaimer.Sweep()
		}
	}
}
