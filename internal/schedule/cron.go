// Package schedule starts jobs from the live settings on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/robfig/cron"
)

// Target receives scheduled starts. Starts go through the rerun lane so a
// tick never bypasses the job slot.
type Target interface {
	ScheduleJob(ctx context.Context, label string) rerun.Item
}

type Cron struct {
	expr     string
	schedule cron.Schedule
	location *time.Location
	target   Target
}

// New parses a standard five field expression. An empty timezone means
// local time.
func New(expr, timezone string, target Target) (*Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is empty")
	}

	loc, err := location(timezone)
	if err != nil {
		return nil, err
	}

	parser := cron.NewParser(
		cron.Minute |
			cron.Hour |
			cron.Dom |
			cron.Month |
			cron.Dow |
			cron.Descriptor,
	)

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	return &Cron{expr: expr, schedule: sched, location: loc, target: target}, nil
}

// Listen fires on every tick until ctx is done.
func (c *Cron) Listen(ctx context.Context) {
	log.Info("schedule listening", "expression", c.expr, "next", c.Next(time.Now()))

	for {
		timer := time.NewTimer(time.Until(c.Next(time.Now())))
		select {
		case <-timer.C:
			c.Fire(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Fire queues one start of the live settings.
func (c *Cron) Fire(ctx context.Context) rerun.Item {
	item := c.target.ScheduleJob(ctx, "")
	log.Info(
		"schedule fired",
		"expression", c.expr,
		"item_id", item.ID,
		"state", item.State,
		"position", item.Position,
	)
	return item
}

// Next returns the first tick after t.
func (c *Cron) Next(t time.Time) time.Time {
	if c.location != nil {
		t = t.In(c.location)
	}
	return c.schedule.Next(t)
}

func location(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
