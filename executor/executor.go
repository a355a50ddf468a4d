// Package executor runs planned batches on a bounded worker pool. Batches
// start in priority order (ascending pull number, batch id as the stable
// tiebreak) and every batch is its own failure domain: an error or panic in
// one never stops its siblings, it only lands in that batch's result.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/sfsync/sfsync/model"
)

// RunFunc executes one batch end to end.
type RunFunc func(ctx context.Context, batch model.Batch) error

// Result is the outcome of one batch execution.
type Result struct {
	Batch    model.Batch
	Err      error
	Duration time.Duration
	Skipped  bool // never started, the pool shut down first
}

// Summary aggregates one Execute call.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int // not started because the context was cancelled
	Elapsed   time.Duration
	Results   []Result
}

// FailedBatches returns the batches that did not succeed, skipped included.
func (s Summary) FailedBatches() []model.Batch {
	return lo.FilterMap(s.Results, func(r Result, _ int) (model.Batch, bool) {
		return r.Batch, r.Err != nil
	})
}

type Executor struct {
	workers int
	log     logger.Logger
	stats   stats.Stats
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats) *Executor {
	return &Executor{
		workers: conf.GetInt("Executor.maxWorkers", 4),
		log:     log.Child("executor"),
		stats:   statsFactory,
	}
}

// Execute runs every batch through run, at most maxWorkers at a time, and
// reports per-batch outcomes. It always returns a complete Summary: batches
// never started because of cancellation are reported as skipped failures
// rather than silently dropped.
func (e *Executor) Execute(ctx context.Context, batches []model.Batch, run RunFunc) Summary {
	started := time.Now()
	ordered := slices.Clone(batches)
	slices.SortStableFunc(ordered, func(a, b model.Batch) int {
		if a.PullNum != b.PullNum {
			if a.PullNum < b.PullNum {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	results := make([]Result, len(ordered))
	group := &errgroup.Group{}
	group.SetLimit(e.workers)

	for i, batch := range ordered {
		if ctx.Err() != nil {
			results[i] = Result{
				Batch:   batch,
				Err:     fmt.Errorf("not started: %w", context.Cause(ctx)),
				Skipped: true,
			}
			continue
		}
		group.Go(func() error {
			runStart := time.Now()
			err := e.runIsolated(ctx, batch, run)
			results[i] = Result{Batch: batch, Err: err, Duration: time.Since(runStart)}
			if err != nil {
				e.log.Warnn("batch execution failed",
					logger.NewStringField("batchId", batch.ID),
					logger.NewStringField("object", batch.API),
					logger.NewErrorField(err))
			}
			return nil
		})
	}
	_ = group.Wait()

	summary := Summary{
		Total:   len(results),
		Elapsed: time.Since(started),
		Results: results,
	}
	for _, r := range results {
		switch {
		case r.Err == nil:
			summary.Succeeded++
		case r.Skipped:
			summary.Skipped++
			summary.Failed++
		default:
			summary.Failed++
		}
	}
	e.report(summary)
	return summary
}

// runIsolated converts a panic in run into an error on the batch result.
func (e *Executor) runIsolated(ctx context.Context, batch model.Batch, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch %s panicked: %v\n%s", batch.ID, r, debug.Stack())
		}
	}()
	return run(ctx, batch)
}

func (e *Executor) report(s Summary) {
	if e.stats == nil {
		return
	}
	e.stats.NewTaggedStat("executor_batches", stats.CountType, stats.Tags{"outcome": "succeeded"}).Count(s.Succeeded)
	e.stats.NewTaggedStat("executor_batches", stats.CountType, stats.Tags{"outcome": "failed"}).Count(s.Failed)
	for _, r := range s.Results {
		if r.Skipped {
			continue
		}
		e.stats.NewTaggedStat("executor_batch_duration", stats.TimerType, stats.Tags{"object": r.Batch.API}).SendTiming(r.Duration)
	}
	e.log.Debugn("execution round finished",
		logger.NewIntField("total", int64(s.Total)),
		logger.NewIntField("succeeded", int64(s.Succeeded)),
		logger.NewIntField("failed", int64(s.Failed)))
}
