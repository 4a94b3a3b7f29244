package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	Timezone              = "UTC"
	TimezoneOffsetSeconds = 0
	// pollRunTimeout bounds one outbound cycle so a hung remote call
	// cannot stall every later tick.
	pollRunTimeout = 10 * time.Minute
)

type OutboundSyncer interface {
	SyncOutbound(ctx context.Context) error
}

type Scheduler struct {
	ctx      context.Context
	cron     *cron.Cron
	syncer   OutboundSyncer
	interval time.Duration
	log      *slog.Logger
}

func New(
	ctx context.Context,
	syncer OutboundSyncer,
	interval time.Duration,
	log *slog.Logger,
) *Scheduler {
	c := cron.New(cron.WithLocation(time.FixedZone(Timezone, TimezoneOffsetSeconds)))

	return &Scheduler{
		ctx:      ctx,
		cron:     c,
		syncer:   syncer,
		interval: interval,
		log:      log,
	}
}

// Spec returns the cron spec the poll runs on.
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("@every %s", s.interval)
}

func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("poll interval must be positive (got %s)", s.interval)
	}

	if _, err := s.cron.AddFunc(s.Spec(), s.syncOutbound); err != nil {
		return err
	}

	s.cron.Start()

	return nil
}

// Stop stops scheduling and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) syncOutbound() {
	ctx, cancel := context.WithTimeout(s.ctx, pollRunTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())
		return
	default:
	}

	start := time.Now()

	if err := s.syncer.SyncOutbound(ctx); err != nil {
		s.log.ErrorContext(ctx, "Failed to sync outbound",
			"error", err,
			"durationSeconds", time.Since(start).Seconds())

		return
	}

	s.log.DebugContext(ctx, "Outbound sync cycle is finished",
		"durationSeconds", time.Since(start).Seconds())
}
