// Package processor implements the record pipeline: context enrichers run in
// a fixed order on the emitting goroutine and hand each record to a terminal
// processor that batches and exports it in the background.
package processor

import (
	"context"
	"fmt"

	"github.com/itsneelabh/rumagent/core"
)

// Processor receives records. OnRecord must not block on I/O.
type Processor interface {
	OnRecord(ctx context.Context, rec *core.Record)
	Shutdown(ctx context.Context) error
	ForceFlush(ctx context.Context) error
}

// Stage is one step of a chain. Returning false drops the record.
type Stage interface {
	Name() string
	Process(ctx context.Context, rec *core.Record) bool
}

// chain runs its stages in construction order, then forwards to next.
type chain struct {
	stages []Stage
	next   Processor
	logger core.Logger
}

// Chain builds a processor that runs stages in the given order before handing
// the record to next. A stage that panics is logged and skipped; the record
// continues down the chain.
func Chain(next Processor, logger core.Logger, stages ...Stage) Processor {
	return &chain{
		stages: append([]Stage(nil), stages...),
		next:   next,
		logger: core.ComponentLogger(logger, "rumagent/processor"),
	}
}

func (c *chain) OnRecord(ctx context.Context, rec *core.Record) {
	if rec == nil {
		return
	}
	for _, s := range c.stages {
		if !c.run(ctx, s, rec) {
			return
		}
	}
	if c.next != nil {
		c.next.OnRecord(ctx, rec)
	}
}

func (c *chain) run(ctx context.Context, s Stage, rec *core.Record) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Processor stage panicked, skipping", map[string]interface{}{
				"stage": s.Name(),
				"panic": fmt.Sprint(r),
				"event": rec.Name,
			})
			keep = true
		}
	}()
	return s.Process(ctx, rec)
}

func (c *chain) Shutdown(ctx context.Context) error {
	if c.next == nil {
		return nil
	}
	return c.next.Shutdown(ctx)
}

func (c *chain) ForceFlush(ctx context.Context) error {
	if c.next == nil {
		return nil
	}
	return c.next.ForceFlush(ctx)
}
