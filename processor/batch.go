package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/telemetry"
)

// Exporter delivers a batch. Export may block on the network; it is only
// called from the batch worker.
type Exporter interface {
	Export(ctx context.Context, batch []*core.Record) error
	Shutdown(ctx context.Context) error
}

// BatchOptions configures a BatchProcessor. Zero values take the package
// defaults from core.
type BatchOptions struct {
	MaxBatchSize         int
	MaxQueueSize         int
	BatchInterval        time.Duration
	ExportTimeout        time.Duration
	MaxConcurrentExports int
	Logger               core.Logger
	Metrics              *telemetry.Recorder
}

func (o *BatchOptions) applyDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = core.DefaultMaxBatchSize
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = core.DefaultMaxQueueSize
	}
	if o.MaxBatchSize > o.MaxQueueSize {
		o.MaxBatchSize = o.MaxQueueSize
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = core.DefaultBatchInterval
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = core.DefaultExportTimeout
	}
	if o.MaxConcurrentExports <= 0 {
		o.MaxConcurrentExports = core.DefaultMaxConcurrentExports
	}
}

// BatchProcessor is the terminal processor. Records are queued without
// blocking; a single worker groups them by size or interval and hands each
// batch to the exporter on its own goroutine, bounded by
// MaxConcurrentExports.
type BatchProcessor struct {
	exporter Exporter
	opts     BatchOptions
	logger   core.Logger

	queue    chan *core.Record
	flushReq chan chan struct{}
	stopCh   chan struct{}
	done     chan struct{}

	sem     *semaphore.Weighted
	exports sync.WaitGroup

	stopped  atomic.Bool
	dropped  atomic.Int64
	stopOnce sync.Once
}

// NewBatchProcessor starts the batch worker.
func NewBatchProcessor(exporter Exporter, opts BatchOptions) *BatchProcessor {
	opts.applyDefaults()
	b := &BatchProcessor{
		exporter: exporter,
		opts:     opts,
		logger:   core.ComponentLogger(opts.Logger, "rumagent/processor"),
		queue:    make(chan *core.Record, opts.MaxQueueSize),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentExports)),
	}
	go b.run()
	return b
}

// OnRecord enqueues rec. A full queue or a stopped processor drops it.
func (b *BatchProcessor) OnRecord(ctx context.Context, rec *core.Record) {
	if rec == nil {
		return
	}
	if b.stopped.Load() {
		b.drop(ctx, 1)
		return
	}
	select {
	case b.queue <- rec:
	default:
		b.drop(ctx, 1)
	}
}

func (b *BatchProcessor) drop(ctx context.Context, n int64) {
	total := b.dropped.Add(n)
	b.opts.Metrics.BatchDropped(ctx, n)
	// log the first drop and then every 100th
	if total == 1 || total%100 == 0 {
		b.logger.Warn("Telemetry queue full, dropping records", map[string]interface{}{
			"dropped_total": total,
			"queue_size":    b.opts.MaxQueueSize,
		})
	}
}

// Dropped returns the number of records dropped so far.
func (b *BatchProcessor) Dropped() int64 {
	return b.dropped.Load()
}

func (b *BatchProcessor) run() {
	defer close(b.done)

	batch := make([]*core.Record, 0, b.opts.MaxBatchSize)
	timer := time.NewTimer(b.opts.BatchInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.export(batch)
		batch = make([]*core.Record, 0, b.opts.MaxBatchSize)
	}

	drain := func() {
		for {
			select {
			case rec := <-b.queue:
				batch = append(batch, rec)
				if len(batch) >= b.opts.MaxBatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case rec := <-b.queue:
			batch = append(batch, rec)
			if len(batch) >= b.opts.MaxBatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.opts.BatchInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(b.opts.BatchInterval)

		case ack := <-b.flushReq:
			drain()
			b.exports.Wait()
			close(ack)

		case <-b.stopCh:
			drain()
			b.exports.Wait()
			return
		}
	}
}

// export blocks the worker while MaxConcurrentExports batches are in flight.
func (b *BatchProcessor) export(batch []*core.Record) {
	_ = b.sem.Acquire(context.Background(), 1)
	b.exports.Add(1)

	go func() {
		defer b.exports.Done()
		defer b.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.ExportTimeout)
		defer cancel()

		if err := b.exporter.Export(ctx, batch); err != nil {
			b.opts.Metrics.Failure(err)
			b.logger.Error("Batch export failed", map[string]interface{}{
				"records": len(batch),
				"error":   err,
			})
		}
	}()
}

// ForceFlush exports everything queued and waits for in-flight exports.
func (b *BatchProcessor) ForceFlush(ctx context.Context) error {
	if b.stopped.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting records, drains the queue, waits for exports and
// shuts the exporter down.
func (b *BatchProcessor) Shutdown(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)

		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
			b.logger.Warn("Batch processor shutdown timed out before the queue drained", map[string]interface{}{
				"pending": len(b.queue),
			})
		}

		if shutdownErr := b.exporter.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	})
	return err
}
