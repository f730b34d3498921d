package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"pairengine/internal/calendar"
)

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Driver fires Tick at every window close plus a periodic catch-up tick.
type Driver struct {
	cron   *cron.Cron
	sched  *Scheduler
	logger *slog.Logger
	ctx    context.Context
}

// NewDriver schedules ticks in the calendar's location.
func NewDriver(ctx context.Context, sched *Scheduler, cal *calendar.Calendar, every time.Duration, logger *slog.Logger) (*Driver, error) {
	log := logger.With("component", "session_driver")
	cl := cronLogger{logger: log}
	c := cron.New(
		cron.WithLocation(cal.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	d := &Driver{cron: c, sched: sched, logger: log, ctx: ctx}

	job := cron.FuncJob(d.tick)
	for _, hm := range cal.Closes() {
		spec := fmt.Sprintf("%d %d * * *", hm[1], hm[0])
		if _, err := c.AddJob(spec, job); err != nil {
			return nil, fmt.Errorf("schedule window close %q: %w", spec, err)
		}
	}
	if every > 0 {
		if _, err := c.AddJob("@every "+every.String(), job); err != nil {
			return nil, fmt.Errorf("schedule catch-up tick: %w", err)
		}
	}
	return d, nil
}

func (d *Driver) tick() {
	if d.ctx.Err() != nil {
		return
	}
	res, err := d.sched.Tick(d.ctx, time.Now())
	if err != nil {
		d.logger.Error("tick failed", "error", err)
		return
	}
	if len(res.Runs) > 0 {
		d.logger.Info("tick ran windows", "runs", len(res.Runs))
	}
}

// Start begins firing ticks in the background.
func (d *Driver) Start() {
	d.cron.Start()
	d.logger.Info("session driver started", "entries", len(d.cron.Entries()))
}

// Stop waits for a running tick to finish.
func (d *Driver) Stop() {
	<-d.cron.Stop().Done()
}
