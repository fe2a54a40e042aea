// Package harness runs one task per crystal over a bounded worker pool and
// aggregates the outcomes independently of completion order.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/errors"
	"xtal-refine/internal/logging"
	"xtal-refine/internal/metrics"
)

// Macrocycle is the state shared read-only by every task of one pass.
type Macrocycle struct {
	Index     int
	Reference *crystal.RefList
	Logger    *slog.Logger
}

// Outcome is what a task reports for its crystal.
type Outcome struct {
	Residual    float64
	Reflections int
	Err         error
	Skipped     bool
}

// Task processes one crystal. It may modify only that crystal.
type Task func(ctx context.Context, mc *Macrocycle, cr *crystal.Crystal) (Outcome, error)

// Progress is called after each completed task, one call at a time.
type Progress func(done, total int)

// Options configures a Pool.
type Options struct {
	Threads int
	// RestoreOnError puts back a crystal's refinable parameters when its task
	// fails or panics.
	RestoreOnError bool
	Progress       Progress
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Pool runs tasks with at most Threads workers.
type Pool struct {
	opts   Options
	logger *slog.Logger
}

// New creates a pool. Fewer than one thread means one per CPU as reported by
// GOMAXPROCS.
func New(opts Options) *Pool {
	if opts.Threads < 1 {
		opts.Threads = defaultThreads()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ForService("harness")
	}
	return &Pool{opts: opts, logger: logger}
}

func defaultThreads() int {
	return runtime.GOMAXPROCS(0)
}

// Threads returns the configured worker count.
func (p *Pool) Threads() int {
	return p.opts.Threads
}

// Summary aggregates a run. Outcomes are stored by crystal index.
type Summary struct {
	Outcomes    []Outcome
	Completed   int
	Failed      int
	Panicked    int
	Skipped     int
	Reflections int
	// Residual is the sum of finite residuals of successful tasks, added in
	// crystal order.
	Residual float64
	Duration time.Duration
}

// Run executes task for every unflagged crystal. A task that returns an error
// or panics marks only its own crystal as failed. The context is checked
// between submissions; a cancelled run returns the context error after the
// tasks already started have finished.
func (p *Pool) Run(ctx context.Context, stage string, mc *Macrocycle, crystals []*crystal.Crystal, task Task) (Summary, error) {
	if len(crystals) == 0 {
		return Summary{}, errors.Newf("%s: no crystals", stage).
			Category(errors.CategoryInvalidInput).
			Component("harness").
			Build()
	}
	if mc == nil {
		mc = &Macrocycle{}
	}
	if mc.Logger == nil {
		mc.Logger = p.logger
	}

	start := time.Now()
	workers := min(p.opts.Threads, len(crystals))
	sum := Summary{Outcomes: make([]Outcome, len(crystals))}

	var (
		mu   sync.Mutex
		done int
	)
	complete := func(i int, out Outcome) {
		mu.Lock()
		defer mu.Unlock()
		sum.Outcomes[i] = out
		done++
		if p.opts.Progress != nil {
			p.opts.Progress(done, len(crystals))
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)

	var runErr error
	for i, cr := range crystals {
		if err := ctx.Err(); err != nil {
			runErr = err
			for j := i; j < len(crystals); j++ {
				sum.Outcomes[j] = Outcome{Skipped: true}
			}
			break
		}
		if cr == nil || !cr.Usable() {
			complete(i, Outcome{Skipped: true})
			continue
		}
		g.Go(func() error {
			complete(i, p.runOne(ctx, stage, mc, cr, task))
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range sum.Outcomes {
		switch {
		case out.Skipped:
			sum.Skipped++
		case out.Err != nil:
			sum.Failed++
			var pe *PanicError
			if errors.As(out.Err, &pe) {
				sum.Panicked++
			}
		default:
			sum.Completed++
			sum.Reflections += out.Reflections
			if crystals[i].Usable() && !math.IsNaN(out.Residual) && !math.IsInf(out.Residual, 0) {
				sum.Residual += out.Residual
			}
		}
	}
	sum.Duration = time.Since(start)

	p.logger.Debug("stage finished",
		"stage", stage, "macrocycle", mc.Index, "workers", workers,
		"completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped,
		"duration", sum.Duration)
	return sum, runErr
}

func (p *Pool) runOne(ctx context.Context, stage string, mc *Macrocycle, cr *crystal.Crystal, task Task) (out Outcome) {
	snap := cr.Snapshot()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &PanicError{Value: r, Stack: debug.Stack()}}
			if p.opts.RestoreOnError {
				cr.Restore(snap)
			}
			cr.SetFlag(crystal.FlagPanicked, fmt.Sprint(r))
			p.logger.Error("task panicked",
				"stage", stage, "crystal", cr.ID, "panic", r)
		}
		p.opts.Metrics.RecordTask(stage, time.Since(start), out.Err)
	}()

	res, err := task(ctx, mc, cr)
	if err != nil {
		if p.opts.RestoreOnError {
			cr.Restore(snap)
		}
		cr.SetFlag(crystal.FlagFailed, err.Error())
		mc.Logger.Debug("task failed",
			"stage", stage, "crystal", cr.ID, "category", errors.CategoryOf(err), "error", err)
		return Outcome{Err: err}
	}
	return res
}

// PanicError carries a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
