// Package scheduler runs periodic maintenance: finished workflows older
// than the retention window are dropped from memory and from the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
)

// WorkflowPruner drops terminal workflows from the live registry.
type WorkflowPruner interface {
	PruneTerminal(cutoff time.Time) int
}

// RecordPruner drops terminal workflow records from storage.
type RecordPruner interface {
	PruneWorkflows(cutoff time.Time) (int64, error)
}

type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Report struct {
	Cutoff    time.Time `json:"cutoff"`
	Workflows int       `json:"workflows_pruned"`
	Records   int64     `json:"records_pruned"`
}

type Scheduler struct {
	workflows    WorkflowPruner
	records      RecordPruner
	events       Publisher
	schedule     string
	retention    time.Duration
	pollInterval time.Duration
	next         time.Time
	now          func() time.Time
}

// New validates the cron schedule. records and events may be nil.
func New(workflows WorkflowPruner, records RecordPruner, events Publisher, cfg config.MaintenanceConfig) (*Scheduler, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", cfg.Schedule)
	}
	s := &Scheduler{
		workflows:    workflows,
		records:      records,
		events:       events,
		schedule:     cfg.Schedule,
		retention:    cfg.Retention,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
	if s.pollInterval == 0 {
		s.pollInterval = time.Minute
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if err := s.plan(s.now()); err != nil {
		slog.Error("maintenance schedule failed", "error", err)
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "schedule", s.schedule, "next_run", s.next, "retention", s.retention)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	now := s.now()
	if now.Before(s.next) {
		return
	}
	s.RunOnce()
	if err := s.plan(now); err != nil {
		slog.Error("maintenance schedule failed", "error", err)
	}
}

func (s *Scheduler) plan(after time.Time) error {
	next, err := gronx.NextTickAfter(s.schedule, after, false)
	if err != nil {
		return fmt.Errorf("next run of %q: %w", s.schedule, err)
	}
	s.next = next
	return nil
}

// RunOnce prunes everything that finished before now minus the retention.
func (s *Scheduler) RunOnce() Report {
	r := Report{Cutoff: s.now().Add(-s.retention)}
	r.Workflows = s.workflows.PruneTerminal(r.Cutoff)

	if s.records != nil {
		n, err := s.records.PruneWorkflows(r.Cutoff)
		if err != nil {
			slog.Error("prune workflow records failed", "error", err)
		}
		r.Records = n
	}

	slog.Info("maintenance finished", "workflows", r.Workflows, "records", r.Records, "cutoff", r.Cutoff)

	if s.events != nil {
		if err := s.events.PublishEvent(natsbus.TopicEventsMaintenance, "maintenance_completed", r); err != nil {
			slog.Warn("publish maintenance event failed", "error", err)
		}
	}
	return r
}
