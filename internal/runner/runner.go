// Package runner implements Runner (spec §4.6 / SPEC_FULL.md L6): the
// long-running service that polls for incomplete changesets, tracks one
// ChangesetGroup per changeset, and executes dispatched Jobs on a fixed
// worker pool, grounded on the teacher's tunny.WorkPool usage (uast.go).
//
// Per spec §5, all state-machine bookkeeping (ChangesetGroup.
// CalculateRemaining, OnJobCompleted) runs on Run's single supervisor
// goroutine; only Job.Run itself executes concurrently, on the pool.
package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Jeffail/tunny"

	"github.com/sergeys-opera/critic/internal/changeset"
	"github.com/sergeys-opera/critic/internal/job"
	"github.com/sergeys-opera/critic/internal/jobs"
	"github.com/sergeys-opera/critic/internal/pubsub"
)

// Config bundles the runner's tuning knobs — cmd/criticd binds these onto
// cobra/pflag flags (worker count, poll interval).
type Config struct {
	Workers      int
	PollInterval time.Duration
}

// Runner is the supervisor described above.
type Runner struct {
	db          changeset.DB
	git         jobs.GitReader
	detector    jobs.LanguageDetector
	highlighter jobs.Highlighter
	logger      *log.Logger

	pollInterval time.Duration
	workers      int

	bus  *pubsub.Bus
	pool *tunny.Pool

	groups    map[int64]*changeset.Group
	available int
}

// New constructs a Runner. Call Run to start its supervisor loop.
func New(db changeset.DB, git jobs.GitReader, detector jobs.LanguageDetector, highlighter jobs.Highlighter, cfg Config, logger *log.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Runner{
		db:           db,
		git:          git,
		detector:     detector,
		highlighter:  highlighter,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		workers:      cfg.Workers,
		bus:          pubsub.NewBus(256),
		groups:       make(map[int64]*changeset.Group),
		available:    cfg.Workers,
	}
	r.pool = tunny.NewFunc(cfg.Workers, func(payload interface{}) interface{} {
		req := payload.(request)
		res, err := req.job.Run(req.ctx)
		return outcome{res, err}
	})
	return r
}

type request struct {
	ctx context.Context
	job job.Job
}

type outcome struct {
	result job.Result
	err    error
}

type completion struct {
	changesetID int64
	c           job.Completion
}

// Run blocks, polling for incomplete changesets and draining job
// completions, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer r.pool.Close()

	results := make(chan completion, r.workers*2)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	if err := r.poll(ctx); err != nil {
		r.logger.Printf("initial poll: %v", err)
	}
	r.dispatchAll(ctx, results)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				r.logger.Printf("poll: %v", err)
			}
			r.dispatchAll(ctx, results)

		case ev := <-r.bus.Events():
			r.handleEvent(ev)
			r.dispatchAll(ctx, results)

		case c := <-results:
			r.available++
			if g, ok := r.groups[c.changesetID]; ok {
				if err := g.OnJobCompleted(ctx, []job.Completion{c.c}); err != nil {
					r.logger.Printf("changeset %d: %v", c.changesetID, err)
				}
			}
			r.dispatchAll(ctx, results)
		}
	}
}

// poll runs find_incomplete() (spec §4.6's three disjoint queries) and
// starts a ChangesetGroup for every row not already tracked.
func (r *Runner) poll(ctx context.Context) error {
	rows, err := r.db.ScanIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("scan incomplete: %w", err)
	}
	for _, row := range rows {
		if _, ok := r.groups[row.ChangesetID]; ok {
			continue
		}
		g, err := changeset.New(ctx, row.ChangesetID, row.RepositoryID, r.db, r.git, r.detector, r.highlighter, r.bus)
		if err != nil {
			r.logger.Printf("changeset %d: start: %v", row.ChangesetID, err)
			continue
		}
		r.groups[row.ChangesetID] = g
	}
	return nil
}

// handleEvent reacts to the one notification kind the runner itself must
// act on (forget); monitor/update are for external subscribers (spec §6),
// out of scope here beyond being published on the bus.
func (r *Runner) handleEvent(ev pubsub.Event) {
	if ev.Kind == pubsub.Forget {
		delete(r.groups, ev.ChangesetID)
	}
}

// dispatchAll starts as many queued jobs as the pool has spare capacity
// for, across every tracked group, and hands each to the pool on its own
// goroutine so Run's select loop is never blocked by a slow job.
func (r *Runner) dispatchAll(ctx context.Context, results chan<- completion) {
	for csID, g := range r.groups {
		if r.available <= 0 {
			return
		}
		started := g.StartNext(r.available)
		for _, j := range started {
			r.available--
			go r.execute(ctx, csID, j, results)
		}
	}
}

func (r *Runner) execute(ctx context.Context, changesetID int64, j job.Job, results chan<- completion) {
	out := r.pool.Process(request{ctx: ctx, job: j}).(outcome)
	results <- completion{changesetID: changesetID, c: job.Completion{Job: j, Result: out.result, Err: out.err}}
}
