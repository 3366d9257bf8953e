package snapshot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec fires on the minute, every n minutes (hourly multiples use the hour field).
func CronSpec(n int) string {
	if n >= 60 && n%60 == 0 {
		return fmt.Sprintf("0 0 */%d * * *", n/60)
	}
	return fmt.Sprintf("0 */%d * * * *", n)
}

// Job takes one snapshot. A returned error stops the scheduler.
type Job func(ctx context.Context, at time.Time) error

type Scheduler struct {
	spec   string
	loc    *time.Location
	logger *log.Logger
}

func NewScheduler(everyMinutes int, loc *time.Location, logger *log.Logger) (*Scheduler, error) {
	if everyMinutes <= 0 {
		return nil, fmt.Errorf("snapshot interval must be positive, got %d", everyMinutes)
	}
	if loc == nil {
		loc = time.Local
	}
	spec := CronSpec(everyMinutes)
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(spec); err != nil {
		return nil, fmt.Errorf("snapshot schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, loc: loc, logger: logger}, nil
}

func (s *Scheduler) Spec() string { return s.spec }

// Run calls job on schedule until ctx ends or job fails. Overlapping runs are skipped.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	var cl cron.Logger = cron.DiscardLogger
	if s.logger != nil {
		cl = cron.PrintfLogger(s.logger)
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	errc := make(chan error, 1)
	if _, err := c.AddFunc(s.spec, func() {
		if err := job(ctx, time.Now().In(s.loc)); err != nil {
			select {
			case errc <- err:
			default:
			}
		}
	}); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}
