package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testerman/testerman/internal/jobs/runner"
	"github.com/testerman/testerman/internal/jobs/store"
	v1 "github.com/testerman/testerman/pkg/api/v1"
)

func newTestRegistry(t *testing.T, env *Environment) (*Registry, *store.SQLStore) {
	t.Helper()
	writer, reader, err := store.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	st, err := store.NewSQLStore(writer, reader, env.Log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRegistry(env, st, env.Log), st
}

func TestRegistrySubmit(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, st := newTestRegistry(t, env)

	first, err := reg.Submit(NewAtsJob(env, "first.ats", "pass\n", ""))
	require.NoError(t, err)
	second, err := reg.Submit(NewAtsJob(env, "second.ats", "pass\n", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	infos := reg.Jobs()
	require.Len(t, infos, 2)
	assert.Equal(t, v1.JobStateWaiting, infos[0].State)
	assert.Equal(t, v1.JobStateWaiting, infos[1].State)

	// Both submissions are persisted with their sources.
	records, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first.ats", records[0].Name)
	assert.Equal(t, "pass\n", records[0].Source)
	assert.Equal(t, string(v1.JobStateWaiting), records[0].State)
}

func TestRegistrySubmitPrepareErrorSurfaces(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)

	source := atsSource(`<metadata version="1.0"><api>9</api></metadata>`, "pass\n")
	id, err := reg.Submit(NewAtsJob(env, "broken.ats", source, ""))
	require.Error(t, err)
	assert.Equal(t, 1, id, "a failed submission still occupies its id")

	info, err := reg.JobInfo(id)
	require.NoError(t, err)
	assert.Equal(t, v1.JobStateError, info.State)
	require.NotNil(t, info.Result)
	assert.Equal(t, v1.ResultUnsupportedAPI, *info.Result)
}

func TestRegistryJobEvents(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)

	var mu sync.Mutex
	var events []v1.Job
	reg.OnJobEvent(func(info v1.Job) {
		mu.Lock()
		events = append(events, info)
		mu.Unlock()
	})

	id, err := reg.Submit(NewAtsJob(env, "sample.ats", "pass\n", ""))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "registration is silent, preparation publishes waiting")
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, v1.JobStateWaiting, events[0].State)
}

func TestRegistryLookups(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)
	id, err := reg.Submit(NewAtsJob(env, "sample.ats", "pass\n", ""))
	require.NoError(t, err)

	t.Run("details carry the source", func(t *testing.T) {
		details, err := reg.JobDetails(id)
		require.NoError(t, err)
		assert.Equal(t, "pass\n", details.Source)
	})

	t.Run("log of a fresh job is an empty document", func(t *testing.T) {
		doc, err := reg.JobLog(id)
		require.NoError(t, err)
		assert.Equal(t, logDocumentHeader+"</ats>", doc)
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := reg.JobInfo(404)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = reg.JobDetails(404)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = reg.JobLog(404)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, reg.SendSignal(404, v1.SignalCancel), ErrNotFound)
		_, err = reg.Reschedule(404, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRegistrySendSignal(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)
	id, err := reg.Submit(NewAtsJob(env, "sample.ats", "pass\n", ""))
	require.NoError(t, err)

	require.NoError(t, reg.SendSignal(id, v1.SignalCancel))
	info, err := reg.JobInfo(id)
	require.NoError(t, err)
	assert.Equal(t, v1.JobStateCancelled, info.State)
}

func TestRegistryReschedule(t *testing.T) {
	env, _, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")
	id, err := reg.Submit(job)
	require.NoError(t, err)

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	ok, err := reg.Reschedule(id, at)
	require.NoError(t, err)
	assert.True(t, ok)
	info, err := reg.JobInfo(id)
	require.NoError(t, err)
	require.NotNil(t, info.ScheduledAt)
	assert.True(t, info.ScheduledAt.Equal(at))

	require.True(t, job.claimStart())
	ok, err = reg.Reschedule(id, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "a started job cannot be rescheduled")
}

func TestRegistryPurge(t *testing.T) {
	ctx := context.Background()

	t.Run("removes finished roots only", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		reg, st := newTestRegistry(t, env)

		finished := NewAtsJob(env, "done.ats", "pass\n", "")
		_, err := reg.Submit(finished)
		require.NoError(t, err)
		finished.setState(v1.JobStateRunning)
		finished.setResult(0)
		finished.setState(v1.JobStateComplete)

		pending := NewAtsJob(env, "pending.ats", "pass\n", "")
		_, err = reg.Submit(pending)
		require.NoError(t, err)

		removed, err := reg.Purge(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		infos := reg.Jobs()
		require.Len(t, infos, 1)
		assert.Equal(t, "pending.ats", infos[0].Name)

		records, err := st.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "pending.ats", records[0].Name)
	})

	t.Run("keeps children of unfinished campaigns", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		reg, _ := newTestRegistry(t, env)

		parent := NewCampaignJob(env, "all.campaign", "", "")
		_, err := reg.Submit(parent)
		require.NoError(t, err)
		child := NewAtsJob(env, "child.ats", "pass\n", "")
		reg.Register(child)
		parent.AddChild(child, BranchUnconditional)

		child.setState(v1.JobStateRunning)
		child.setResult(0)
		child.setState(v1.JobStateComplete)

		removed, err := reg.Purge(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, removed, "the campaign is still alive")

		parent.setState(v1.JobStateCancelled)
		removed, err = reg.Purge(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Empty(t, reg.Jobs())
	})

	t.Run("honors the age threshold", func(t *testing.T) {
		env, _, _ := newTestEnv(t)
		reg, _ := newTestRegistry(t, env)

		job := NewAtsJob(env, "recent.ats", "pass\n", "")
		_, err := reg.Submit(job)
		require.NoError(t, err)
		job.setState(v1.JobStateRunning)
		job.setState(v1.JobStateComplete)

		removed, err := reg.Purge(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, removed, "the job finished after the threshold")
	})
}

func TestRegistryRestore(t *testing.T) {
	env, _, _ := newTestEnv(t)
	ctx := context.Background()

	writer, reader, err := store.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	st, err := store.NewSQLStore(writer, reader, env.Log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now()
	started := now.Add(-5 * time.Minute)
	stopped := now.Add(-time.Minute)
	result := 0
	records := []*store.Record{
		{ID: 3, Name: "crashed.ats", Type: "ats", State: "running", Username: "admin",
			Path: "/repository/crashed.ats", Source: "pass\n", ScheduledAt: started, StartTime: &started},
		{ID: 5, Name: "all.campaign", Type: "campaign", State: "killing", Username: "admin",
			Path: "/repository/all.campaign", ScheduledAt: started, StartTime: &started},
		{ID: 6, Name: "<<group:load>>", Type: "group", State: "complete", Username: "admin",
			ParentID: 5, Result: &result, ScheduledAt: started, StartTime: &started, StopTime: &stopped},
		{ID: 9, Name: "later.ats", Type: "ats", State: "waiting", Username: "admin",
			Path: "/repository/later.ats", Source: "pass\n", ScheduledAt: now.Add(time.Hour),
			SelectedGroups: []string{"smoke"}},
	}
	for _, rec := range records {
		require.NoError(t, st.Upsert(ctx, rec))
	}

	reg := NewRegistry(env, st, env.Log)
	require.NoError(t, reg.Restore(ctx))

	t.Run("live states are sanitized", func(t *testing.T) {
		info, err := reg.JobInfo(3)
		require.NoError(t, err)
		assert.Equal(t, v1.JobStateCrashed, info.State)
		require.NotNil(t, info.StopTime, "the crash marks the stop time")

		info, err = reg.JobInfo(5)
		require.NoError(t, err)
		assert.Equal(t, v1.JobStateKilled, info.State)
	})

	t.Run("sanitized states are persisted back", func(t *testing.T) {
		rows, err := st.List(ctx)
		require.NoError(t, err)
		byID := make(map[int]*store.Record, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}
		assert.Equal(t, string(v1.JobStateCrashed), byID[3].State)
		assert.Equal(t, string(v1.JobStateKilled), byID[5].State)
	})

	t.Run("tree and attributes survive", func(t *testing.T) {
		info, err := reg.JobInfo(6)
		require.NoError(t, err)
		assert.Equal(t, v1.JobTypeGroup, info.Type)
		assert.Equal(t, "<<group:load>>", info.Name)
		assert.Equal(t, 5, info.ParentID)
		assert.Equal(t, v1.JobStateComplete, info.State)

		job, ok := reg.Job(9)
		require.True(t, ok)
		assert.Equal(t, []string{"smoke"}, job.selectedGroups())
		assert.Equal(t, "pass\n", job.Source())
	})

	t.Run("waiting jobs stay schedulable", func(t *testing.T) {
		waiting := reg.WaitingRootJobs()
		require.Len(t, waiting, 1)
		assert.Equal(t, 9, waiting[0].ID())

		ok, err := reg.Reschedule(9, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("id generation continues after the highest id", func(t *testing.T) {
		id := reg.Register(NewAtsJob(env, "new.ats", "pass\n", ""))
		assert.Equal(t, 10, id)
	})
}

func TestRegistryKillAll(t *testing.T) {
	env, run, _ := newTestEnv(t)
	reg, _ := newTestRegistry(t, env)
	run.hold = true

	job := NewAtsJob(env, "sample.ats", "pass\n", "")
	_, err := reg.Submit(job)
	require.NoError(t, err)
	require.True(t, job.claimStart())
	require.NoError(t, job.PreRun())
	done := make(chan int, 1)
	go func() { done <- job.Run(nil) }()
	proc := run.waitForProc(t, 0)
	require.Eventually(t, func() bool { return job.State() == v1.JobStateRunning },
		2*time.Second, 5*time.Millisecond)

	reg.KillAll()
	assert.Equal(t, v1.JobStateKilling, job.State())
	assert.Equal(t, []runner.Signal{runner.SignalKill}, proc.sentSignals())

	proc.exit(runner.ExitStatus{Signal: 9, Signaled: true})
	assert.Equal(t, v1.ResultKilled, <-done)
	assert.Equal(t, v1.JobStateKilled, job.State())
}
