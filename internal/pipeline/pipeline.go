// Package pipeline assembles the bus, the orchestrator and the stage agents
// into a running document pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
	"github.com/mtzanidakis/docpipe/internal/stages"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// Publisher emits pipeline events. *natsbus.Client implements it.
type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Pipeline struct {
	Bus          *bus.Bus
	Orchestrator *orchestrator.Orchestrator
	Query        *stages.Query

	stages []*agent.Agent
	cfg    config.PipelineConfig
}

// New wires the pipeline on top of st, which must not be nil. events may be
// nil when no event stream is wanted.
func New(cfg *config.Config, st *store.Store, files stages.FileReader, events Publisher) *Pipeline {
	pc := cfg.Pipeline
	b := bus.New(bus.WithHistory(pc.HistoryCapacity, pc.HistoryKeep))
	opts := []agent.Option{agent.WithMailboxCapacity(pc.MailboxCapacity)}

	p := &Pipeline{
		Bus:          b,
		Orchestrator: orchestrator.New(b, opts...),
		Query:        stages.NewQuery(st),
		cfg:          pc,
	}

	handlers := []struct {
		id string
		h  agent.Handler
	}{
		{workflow.AgentCurator, stages.NewCurator(files, st, stages.CuratorConfig{
			ChunkSize:         pc.ChunkSize,
			ChunkOverlap:      pc.ChunkOverlap,
			AllowedExtensions: cfg.Files.AllowedExtensions,
		})},
		{workflow.AgentAnalyzer, stages.NewAnalyzer(st)},
		{workflow.AgentSummarizer, stages.NewSummarizer(st)},
		{workflow.AgentQuery, p.Query},
	}
	for _, s := range handlers {
		a := agent.New(s.id, s.h, b, opts...)
		b.Register(a)
		p.Orchestrator.AddStage(a)
		p.stages = append(p.stages, a)
	}

	p.Orchestrator.Observe(&recorder{store: st})
	if events != nil {
		p.Orchestrator.Observe(&announcer{events: events})
		b.Tap(func(env bus.Envelope) { publishMessage(events, env) })
	}
	return p
}

// Start launches the stage agents before the orchestrator so the first
// workflow finds every stage running.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, a := range p.stages {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
	}
	if err := p.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("pipeline started", "agents", len(p.stages)+1)
	return nil
}

// Stop halts the orchestrator first, then every stage, each bounded by the
// configured stop timeout.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	stop := func(a interface{ Stop(context.Context) error }) {
		sctx := ctx
		if p.cfg.StopTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, p.cfg.StopTimeout)
			defer cancel()
		}
		if err := a.Stop(sctx); err != nil {
			errs = append(errs, err)
		}
	}

	stop(p.Orchestrator)
	for _, a := range p.stages {
		stop(a)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	slog.Info("pipeline stopped")
	return nil
}
