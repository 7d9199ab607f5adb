package jobs

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/testerman/testerman/pkg/api/v1"
)

func TestJobLifecycleTimes(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	assert.Equal(t, v1.JobStateInitializing, job.State())
	info := job.Info()
	assert.Nil(t, info.StartTime)
	assert.Nil(t, info.StopTime)
	require.NotNil(t, info.ScheduledAt)

	job.setState(v1.JobStateWaiting)
	job.setState(v1.JobStateRunning)
	info = job.Info()
	require.NotNil(t, info.StartTime)
	assert.Nil(t, info.StopTime)

	job.setResult(v1.ResultOK)
	job.setState(v1.JobStateComplete)
	info = job.Info()
	require.NotNil(t, info.StopTime)
	require.NotNil(t, info.RunningTime)
	assert.True(t, *info.RunningTime >= 0)
	require.NotNil(t, info.Result)
	assert.Equal(t, v1.ResultOK, *info.Result)
}

func TestJobTerminalStatesAreAbsorbing(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	job.setState(v1.JobStateWaiting)
	job.setState(v1.JobStateCancelled)
	stopped := job.stopTime()
	require.NotNil(t, stopped)

	job.setState(v1.JobStateRunning)
	assert.Equal(t, v1.JobStateCancelled, job.State())
	assert.Equal(t, *stopped, *job.stopTime())
}

func TestJobReschedule(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	assert.True(t, job.Reschedule(at))
	assert.Equal(t, at, job.ScheduledAt())

	t.Run("past times are clamped to now", func(t *testing.T) {
		before := time.Now()
		assert.True(t, job.Reschedule(before.Add(-time.Hour)))
		got := job.ScheduledAt()
		assert.False(t, got.Before(before))
		assert.False(t, got.After(time.Now()))
	})

	t.Run("refused once started", func(t *testing.T) {
		job.setState(v1.JobStateWaiting)
		require.True(t, job.claimStart())
		assert.False(t, job.Reschedule(time.Now().Add(time.Hour)))
	})
}

func TestJobClaimStartOnlyOnce(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	assert.False(t, job.claimStart(), "initializing jobs cannot start")
	job.setState(v1.JobStateWaiting)
	assert.True(t, job.claimStart())
	assert.False(t, job.claimStart(), "a claimed job cannot be claimed again")
}

func TestJobHooksFire(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	var changes int32
	job.setHooks(&hooks{changed: func(Job) { atomic.AddInt32(&changes, 1) }})

	job.setState(v1.JobStateWaiting)
	assert.EqualValues(t, 1, atomic.LoadInt32(&changes))

	job.Reschedule(time.Now().Add(time.Minute))
	assert.EqualValues(t, 2, atomic.LoadInt32(&changes))

	// Same-state transitions are silent.
	job.setState(v1.JobStateWaiting)
	assert.EqualValues(t, 2, atomic.LoadInt32(&changes))
}

func TestJobInfoParentAndURI(t *testing.T) {
	env, _, _ := newTestEnv(t)
	parent := NewCampaignJob(env, "all.campaign", "", "")
	child := NewAtsJob(env, "sample.ats", "pass\n", "")
	parent.setID(3)
	child.setID(4)
	parent.AddChild(child, BranchSuccess)

	assert.Equal(t, "job:4", child.URI())
	assert.Equal(t, 3, child.Info().ParentID)
	assert.Equal(t, 0, parent.Info().ParentID)
	require.Len(t, parent.Children(BranchSuccess), 1)
	assert.Same(t, parent, child.Parent().(*CampaignJob))
}

func TestJobEmptyLogDocument(t *testing.T) {
	env, _, _ := newTestEnv(t)
	job := NewAtsJob(env, "sample.ats", "pass\n", "")

	doc, err := job.Log()
	require.NoError(t, err)
	assert.Equal(t, logDocumentHeader+"</ats>", doc)
}

func TestNewJobFromRequest(t *testing.T) {
	env, _, _ := newTestEnv(t)

	t.Run("ats", func(t *testing.T) {
		at := time.Now().Add(time.Hour).Truncate(time.Second)
		job, err := NewJobFromRequest(env, &v1.SubmitJobRequest{
			Type:        v1.JobTypeATS,
			Name:        "suite/sample.ats",
			Source:      "pass\n",
			Username:    "admin",
			ScheduledAt: &at,
			Session:     map[string]interface{}{"PX_HOST": "db"},
			Mapping:     "PX_PORT=5432",
			Groups:      []string{"smoke"},
		})
		require.NoError(t, err)
		assert.Equal(t, v1.JobTypeATS, job.Type())
		assert.Equal(t, "admin", job.Username())
		assert.Equal(t, "/repository/suite/sample.ats", job.Path())
		assert.Equal(t, at, job.ScheduledAt())
		assert.Equal(t, map[string]interface{}{"PX_HOST": "db"}, job.ScheduledSession())
		assert.Equal(t, map[string]string{"PX_PORT": "5432"}, job.mappingCopy())
		assert.Equal(t, []string{"smoke"}, job.selectedGroups())
	})

	t.Run("campaign", func(t *testing.T) {
		job, err := NewJobFromRequest(env, &v1.SubmitJobRequest{
			Type:     v1.JobTypeCampaign,
			Name:     "all.campaign",
			Source:   "",
			Username: "admin",
		})
		require.NoError(t, err)
		assert.Equal(t, v1.JobTypeCampaign, job.Type())
	})

	t.Run("groups cannot be submitted", func(t *testing.T) {
		_, err := NewJobFromRequest(env, &v1.SubmitJobRequest{Type: v1.JobTypeGroup, Name: "g"})
		require.Error(t, err)
	})

	t.Run("invalid mapping expression", func(t *testing.T) {
		_, err := NewJobFromRequest(env, &v1.SubmitJobRequest{
			Type:    v1.JobTypeATS,
			Name:    "sample.ats",
			Source:  "pass\n",
			Mapping: "bare,host=db",
		})
		require.Error(t, err)
	})
}
