// Package poller runs the email queue worker on a fixed cadence.
//
// It wraps a cron scheduler so deployments without an external trigger
// still drain the queue; the HTTP process endpoint remains available for
// on-demand runs.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joshuapaschall/listhit/internal/email"
)

// DefaultSchedule drains the queue once a minute.
const DefaultSchedule = "* * * * *"

// Poller triggers worker passes from a cron schedule.
type Poller struct {
	cron   *cron.Cron
	worker *email.Worker
}

// NewPoller creates a stopped Poller around the worker.
func NewPoller(worker *email.Worker) *Poller {
	// Standard 5-field cron parser with panic recovery on jobs
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Poller{cron: c, worker: worker}
}

// Start registers the drain job under the given cron expression (the
// per-minute default when empty) and starts the scheduler.
func (p *Poller) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := p.cron.AddFunc(schedule, p.drain); err != nil {
		return err
	}
	p.cron.Start()
	slog.Info("Poller.Start: queue poller running", "schedule", schedule)
	return nil
}

func (p *Poller) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := p.worker.ProcessQueue(ctx, 0)
	if err != nil {
		slog.Error("Poller.drain: queue pass failed", "error", err)
		return
	}
	if result.Claimed > 0 {
		slog.Info("Poller.drain: queue pass complete",
			"claimed", result.Claimed, "sent", result.Sent,
			"requeued", result.Requeued, "dead", result.Dead, "errored", result.Errored)
	}
}

// Stop stops the cron scheduler and waits for a running pass to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	slog.Info("Poller.Stop: queue poller stopped")
}
