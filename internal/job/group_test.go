package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	key  Key
	kind Kind
	fail error
	fatal bool
}

func (f fakeJob) Key() Key            { return f.key }
func (f fakeJob) Kind() Kind          { return f.kind }
func (f fakeJob) FatalOnError() bool  { return f.fatal }
func (f fakeJob) Run(context.Context) (Result, error) { return Result{}, f.fail }

type fakeDelegate struct {
	recordedErrors []Key
	finishedBatches [][]Job
	calcRemaining   func() []Job
	calcCalls       int
	finishedCalls   int
	shouldCalc      bool
}

func (d *fakeDelegate) RecordError(ctx context.Context, j Job, cause error) error {
	d.recordedErrors = append(d.recordedErrors, j.Key())
	return nil
}

func (d *fakeDelegate) JobsFinished(ctx context.Context, completed []Job) {
	d.finishedBatches = append(d.finishedBatches, completed)
}

func (d *fakeDelegate) ShouldCalculateRemaining() bool { return d.shouldCalc }

func (d *fakeDelegate) CalculateRemaining(ctx context.Context) error {
	d.calcCalls++
	return nil
}

func (d *fakeDelegate) GroupFinished(ctx context.Context) {
	d.finishedCalls++
}

func TestGroup_AddJobRejectsDuplicateKey(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	require.NoError(t, g.AddJob(fakeJob{key: "a"}))
	require.NoError(t, g.AddJob(fakeJob{key: "a"}))
	started := g.StartNext(10)
	assert.Len(t, started, 1)
}

func TestGroup_AddJobRejectsPermanentlyFailedKey(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	g.SeedFailedKeys([]Key{"bad"})
	err := g.AddJob(fakeJob{key: "bad"})
	assert.Error(t, err)
	assert.Empty(t, g.StartNext(10))
}

func TestGroup_StartNextRespectsCapacity(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	g.AddJobs([]Job{fakeJob{key: "a"}, fakeJob{key: "b"}, fakeJob{key: "c"}})
	started := g.StartNext(2)
	assert.Len(t, started, 2)
	assert.True(t, g.Pending(), "one job should remain queued")
}

func TestGroup_OnJobCompleted_FatalFailureRecordsErrorAndSuppressesRetry(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	j := fakeJob{key: "x", fail: errors.New("boom"), fatal: true}
	require.NoError(t, g.AddJob(j))
	g.StartNext(10)

	err := g.OnJobCompleted(context.Background(), []Completion{{Job: j, Err: j.fail}})
	require.NoError(t, err)
	assert.Equal(t, []Key{"x"}, d.recordedErrors)

	// Re-adding the same key must now be rejected.
	assert.Error(t, g.AddJob(fakeJob{key: "x"}))
}

func TestGroup_OnJobCompleted_TransientFailureIsNotRecorded(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	j := fakeJob{key: "x", fail: errors.New("db hiccup"), fatal: false}
	require.NoError(t, g.AddJob(j))
	g.StartNext(10)

	err := g.OnJobCompleted(context.Background(), []Completion{{Job: j, Err: j.fail}})
	require.NoError(t, err)
	assert.Empty(t, d.recordedErrors)

	// A transient failure must allow re-emission of the same key.
	assert.NoError(t, g.AddJob(fakeJob{key: "x"}))
}

func TestGroup_OnJobCompleted_DrainTriggersCalculateRemaining(t *testing.T) {
	d := &fakeDelegate{shouldCalc: true}
	g := New("cs-1", 1, d)
	j := fakeJob{key: "a"}
	require.NoError(t, g.AddJob(j))
	g.StartNext(10)

	require.NoError(t, g.OnJobCompleted(context.Background(), []Completion{{Job: j}}))
	assert.Equal(t, 1, d.calcCalls)
	assert.Equal(t, 1, d.finishedCalls, "nothing left after the pass, so the group should finish")
}

func TestGroup_OnJobCompleted_NoCalculateRemainingWhenPhaseNotDone(t *testing.T) {
	d := &fakeDelegate{shouldCalc: false}
	g := New("cs-1", 1, d)
	j := fakeJob{key: "a"}
	require.NoError(t, g.AddJob(j))
	g.StartNext(10)

	require.NoError(t, g.OnJobCompleted(context.Background(), []Completion{{Job: j}}))
	assert.Equal(t, 0, d.calcCalls)
	assert.Equal(t, 1, d.finishedCalls)
}

func TestGroup_Seed_FinishesImmediatelyWhenCalculateRemainingAddsNothing(t *testing.T) {
	d := &fakeDelegate{}
	g := New("cs-1", 1, d)
	require.NoError(t, g.Seed(context.Background()))
	assert.Equal(t, 1, d.calcCalls)
	assert.Equal(t, 1, d.finishedCalls)
}
