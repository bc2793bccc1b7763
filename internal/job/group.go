package job

import (
	"context"
	"fmt"
	"sync"
)

// Delegate is the domain-specific half of a JobGroup: the hooks a concrete
// group (internal/changeset.Group) supplies so Group can stay a pure
// scheduler with no knowledge of changesets, phases, or persistence.
type Delegate interface {
	// RecordError persists a fatal job failure so its key is never
	// re-emitted. Called only when a job both failed and is FatalOnError.
	RecordError(ctx context.Context, j Job, cause error) error
	// JobsFinished is notified after each batch of completions is
	// folded into done/failed_keys, before the empty-queue check runs.
	JobsFinished(ctx context.Context, completed []Job)
	// ShouldCalculateRemaining is consulted once not_started and
	// in_flight are both empty; returning true triggers CalculateRemaining.
	ShouldCalculateRemaining() bool
	// CalculateRemaining re-inventories outstanding work (typically via
	// Persistence scans) and calls back into Group.AddJob/AddJobs with
	// whatever it finds still pending.
	CalculateRemaining(ctx context.Context) error
	// GroupFinished fires once, the first time the group is found drained
	// with nothing queued or in flight: after a CalculateRemaining pass
	// that adds nothing, or when ShouldCalculateRemaining declines a pass.
	GroupFinished(ctx context.Context)
}

// Group is the generic scheduler described in spec §4.4: four sets of Job
// (not_started, in_flight, done, failed_keys) plus the delegate hooks that
// make phase-completion decisions. It holds no domain knowledge of
// changesets; internal/changeset.Group wraps it.
type Group struct {
	Key          string
	RepositoryID int64
	Delegate     Delegate

	mu         sync.Mutex
	notStarted map[Key]Job
	inFlight   map[Key]Job
	done       map[Key]Job
	failedKeys map[Key]struct{}
	finished   bool
}

// New returns an empty group ready to accept jobs.
func New(key string, repositoryID int64, delegate Delegate) *Group {
	return &Group{
		Key:          key,
		RepositoryID: repositoryID,
		Delegate:     delegate,
		notStarted:   make(map[Key]Job),
		inFlight:     make(map[Key]Job),
		done:         make(map[Key]Job),
		failedKeys:   make(map[Key]struct{}),
	}
}

// SeedFailedKeys preloads prior ChangesetError.job_key rows (§4.5 Phase A
// step 2) so AddJob rejects them from the very first calculate_remaining.
func (g *Group) SeedFailedKeys(keys []Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		g.failedKeys[k] = struct{}{}
	}
}

// AddJob rejects duplicate keys (already not_started, in_flight, or done)
// and any key already in failed_keys — the permanent retry-suppression
// rule.
func (g *Group) AddJob(j Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addJobLocked(j)
}

func (g *Group) addJobLocked(j Job) error {
	k := j.Key()
	if _, ok := g.failedKeys[k]; ok {
		return fmt.Errorf("job %q: key previously failed fatally, not re-emitting", k)
	}
	if _, ok := g.notStarted[k]; ok {
		return nil
	}
	if _, ok := g.inFlight[k]; ok {
		return nil
	}
	if _, ok := g.done[k]; ok {
		return nil
	}
	g.notStarted[k] = j
	return nil
}

// AddJobs adds every job whose key is new and not permanently failed,
// silently skipping the rest (duplicates and suppressed retries are not
// errors at the batch level).
func (g *Group) AddJobs(js []Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, j := range js {
		_ = g.addJobLocked(j)
	}
}

// StartNext moves up to capacity jobs from not_started to in_flight and
// returns them for dispatch to the worker pool.
func (g *Group) StartNext(capacity int) []Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	var started []Job
	for k, j := range g.notStarted {
		if len(started) >= capacity {
			break
		}
		delete(g.notStarted, k)
		g.inFlight[j.Key()] = j
		started = append(started, j)
	}
	return started
}

// Pending reports whether any job is queued or running.
func (g *Group) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.notStarted) > 0 || len(g.inFlight) > 0
}

// IsFailed reports whether a key has been permanently suppressed by a
// prior fatal failure. Domain-specific groups use this to pre-filter a
// freshly-scanned candidate job list the same way the delegate's own
// AddJobs call would, but before deciding whether that candidate set
// counts as "empty" for phase-completion purposes (spec §4.5 Phase C/D
// step "filter all emitted jobs through failed_keys").
func (g *Group) IsFailed(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.failedKeys[k]
	return ok
}

// PendingKinds counts not-started jobs by Kind, letting a delegate's
// ShouldCalculateRemaining inspect which phase's work is still queued
// without reaching into Group's private sets (spec §4.5 "should_calculate
// _remaining returns true as soon as a phase's subset of not_started is
// empty but the corresponding *_complete flag is still false").
func (g *Group) PendingKinds() map[Kind]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[Kind]int, len(g.notStarted))
	for _, j := range g.notStarted {
		counts[j.Kind()]++
	}
	return counts
}

// Completion is one job's terminal outcome, as handed to OnJobCompleted.
type Completion struct {
	Job    Job
	Result Result
	Err    error
}

// OnJobCompleted folds a batch of finished jobs into done/failed_keys,
// notifies the delegate, and — once the queue has fully drained — runs the
// re-inventory / group-finished sequence described in §4.4.
//
// Transient errors (FatalOnError() == false) simply drop the job: it is
// not recorded anywhere, so a future CalculateRemaining pass that still
// sees the underlying precondition will naturally re-emit it.
func (g *Group) OnJobCompleted(ctx context.Context, completions []Completion) error {
	g.mu.Lock()
	var finishedOK []Job
	var fatal []Completion
	for _, c := range completions {
		k := c.Job.Key()
		delete(g.inFlight, k)
		if c.Err != nil {
			if c.Job.FatalOnError() {
				g.failedKeys[k] = struct{}{}
				fatal = append(fatal, c)
			}
			// transient: dropped, eligible for re-emission next pass.
			continue
		}
		g.done[k] = c.Job
		finishedOK = append(finishedOK, c.Job)
		if followUp := c.Result.FollowUp; len(followUp) > 0 {
			for _, fj := range followUp {
				_ = g.addJobLocked(fj)
			}
		}
	}
	drained := len(g.notStarted) == 0 && len(g.inFlight) == 0
	g.mu.Unlock()

	for _, c := range fatal {
		if err := g.Delegate.RecordError(ctx, c.Job, c.Err); err != nil {
			return fmt.Errorf("recording fatal error for job %q: %w", c.Job.Key(), err)
		}
	}
	if len(finishedOK) > 0 {
		g.Delegate.JobsFinished(ctx, finishedOK)
	}

	if !drained {
		return nil
	}
	return g.reinventory(ctx)
}

// reinventory implements the "if both queues are empty" tail of
// on_job_completed: consult the delegate about whether a phase just
// finished, re-scan for remaining work, and fire GroupFinished if nothing
// new turned up.
func (g *Group) reinventory(ctx context.Context) error {
	if !g.Delegate.ShouldCalculateRemaining() {
		return g.maybeFinish(ctx)
	}
	if err := g.Delegate.CalculateRemaining(ctx); err != nil {
		return fmt.Errorf("calculate_remaining for group %q: %w", g.Key, err)
	}
	return g.maybeFinish(ctx)
}

func (g *Group) maybeFinish(ctx context.Context) error {
	g.mu.Lock()
	stillEmpty := len(g.notStarted) == 0 && len(g.inFlight) == 0
	alreadyFinished := g.finished
	if stillEmpty && !alreadyFinished {
		g.finished = true
	}
	g.mu.Unlock()

	if stillEmpty && !alreadyFinished {
		g.Delegate.GroupFinished(ctx)
	}
	return nil
}

// Seed is the initial-population equivalent of OnJobCompleted's tail: a
// ChangesetGroup calls this right after construction to run the first
// calculate_remaining pass and pick up the case where it finds nothing to
// do at all.
func (g *Group) Seed(ctx context.Context) error {
	if err := g.Delegate.CalculateRemaining(ctx); err != nil {
		return fmt.Errorf("seeding group %q: %w", g.Key, err)
	}
	return g.maybeFinish(ctx)
}
