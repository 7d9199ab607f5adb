package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/testerman/testerman/pkg/api/v1"
)

func startScheduler(t *testing.T, reg *Registry, interval time.Duration) *Scheduler {
	t.Helper()
	env := reg.env
	sched := NewScheduler(reg, interval, env.Log)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })
	return sched
}

func TestSchedulerStartsDueJobs(t *testing.T) {
	env, run, _ := newTestEnv(t)
	reg := NewRegistry(env, nil, env.Log)
	startScheduler(t, reg, 10*time.Millisecond)

	job := NewAtsJob(env, "sample.ats", "pass\n", "")
	job.SetScheduledAt(time.Now().Add(-time.Minute))
	_, err := reg.Submit(job)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.State() == v1.JobStateComplete },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, run.startCount())
	require.NotNil(t, job.Result())
	assert.Equal(t, v1.ResultOK, *job.Result())
}

func TestSchedulerWakesOnSubmission(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg := NewRegistry(env, nil, env.Log)
	// The interval never fires within the test; only the submission
	// wake-up can start the job.
	startScheduler(t, reg, time.Hour)

	job := NewAtsJob(env, "sample.ats", "pass\n", "")
	job.SetScheduledAt(time.Now().Add(-time.Minute))
	_, err := reg.Submit(job)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return job.State() == v1.JobStateComplete },
		2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsFutureAndChildJobs(t *testing.T) {
	env, run, _ := newTestEnv(t)
	reg := NewRegistry(env, nil, env.Log)
	startScheduler(t, reg, 10*time.Millisecond)

	future := NewAtsJob(env, "future.ats", "pass\n", "")
	future.SetScheduledAt(time.Now().Add(time.Hour))
	_, err := reg.Submit(future)
	require.NoError(t, err)

	parent := NewCampaignJob(env, "all.campaign", "", "")
	child := NewAtsJob(env, "child.ats", "pass\n", "")
	reg.Register(child)
	parent.AddChild(child, BranchUnconditional)
	require.NoError(t, child.Prepare())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, v1.JobStateWaiting, future.State())
	assert.Equal(t, v1.JobStateWaiting, child.State(), "children are started by their campaign")
	assert.Zero(t, run.startCount())
}

func TestSchedulerStartStop(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg := NewRegistry(env, nil, env.Log)
	sched := NewScheduler(reg, time.Millisecond, env.Log)

	require.NoError(t, sched.Start(context.Background()))
	assert.ErrorIs(t, sched.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, sched.Stop())
	assert.ErrorIs(t, sched.Stop(), ErrSchedulerNotRunning)

	// A stopped scheduler can be started again.
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg := NewRegistry(env, nil, env.Log)
	sched := NewScheduler(reg, time.Millisecond, env.Log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sched.Start(ctx))
	cancel()
	// The loop exits on its own; Stop only reclaims the bookkeeping.
	require.NoError(t, sched.Stop())
}
