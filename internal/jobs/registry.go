package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/jobs/store"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"go.uber.org/zap"
)

// persistTimeout bounds a single job snapshot write.
const persistTimeout = 5 * time.Second

// Registry tracks every job registered during the server lifetime and
// keeps the persisted queue in sync with each externally visible
// mutation. Ids are assigned at registration and never reused.
type Registry struct {
	env   *Environment
	store store.Store // optional, nil disables persistence
	log   *logger.Logger

	mu     sync.Mutex
	jobs   []Job
	byID   map[int]Job
	nextID int
	notify func(v1.Job)

	wakeCh chan struct{}
}

// NewRegistry builds an empty registry. st may be nil for a purely
// in-memory queue.
func NewRegistry(env *Environment, st store.Store, log *logger.Logger) *Registry {
	return &Registry{
		env:    env,
		store:  st,
		log:    log.WithFields(zap.String("component", "job-registry")),
		byID:   make(map[int]Job),
		nextID: 1,
		wakeCh: make(chan struct{}, 1),
	}
}

// Env exposes the shared execution environment, for building jobs out of
// submission requests.
func (r *Registry) Env() *Environment { return r.env }

// OnJobEvent installs the JOB-EVENT publisher, called with a fresh info
// snapshot after every externally visible job change. Install it before
// traffic starts.
func (r *Registry) OnJobEvent(fn func(v1.Job)) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// WakeSignal wakes the scheduler ahead of its interval after a
// submission.
func (r *Registry) WakeSignal() <-chan struct{} { return r.wakeCh }

func (r *Registry) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *Registry) hooksFor() *hooks {
	return &hooks{
		changed:  r.jobChanged,
		register: func(child Job) { r.Register(child) },
	}
}

// Register assigns an id to the job and adds it to the queue, without
// preparing it or changing its state. Campaigns use it to surface the
// children they are about to run.
func (r *Registry) Register(job Job) int {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	job.setID(id)
	r.jobs = append(r.jobs, job)
	r.byID[id] = job
	r.mu.Unlock()

	job.setHooks(r.hooksFor())
	r.persist(job)
	r.log.Debug("job registered",
		zap.Int("job_id", id),
		zap.String("type", string(job.Type())),
		zap.String("name", job.Name()))
	return id
}

// Submit registers the job and prepares it inline so preparation
// errors reach the caller synchronously. The job stays in the queue
// either way; on success the scheduler is woken up for a possible
// immediate start.
func (r *Registry) Submit(job Job) (int, error) {
	id := r.Register(job)
	if err := job.Prepare(); err != nil {
		r.log.Warn("submitted job failed to prepare",
			zap.Int("job_id", id),
			zap.String("name", job.Name()),
			zap.Error(err))
		return id, err
	}
	r.log.Info("job submitted",
		zap.Int("job_id", id),
		zap.String("type", string(job.Type())),
		zap.String("name", job.Name()),
		zap.Time("scheduled_at", job.ScheduledAt()))
	r.wake()
	return id, nil
}

// Job returns the live job with the given id.
func (r *Registry) Job(id int) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[id]
	return job, ok
}

// Jobs returns an info snapshot of the whole queue, in registration
// order.
func (r *Registry) Jobs() []v1.Job {
	r.mu.Lock()
	snapshot := make([]Job, len(r.jobs))
	copy(snapshot, r.jobs)
	r.mu.Unlock()

	infos := make([]v1.Job, 0, len(snapshot))
	for _, job := range snapshot {
		infos = append(infos, job.Info())
	}
	return infos
}

// JobInfo returns the info snapshot of one job.
func (r *Registry) JobInfo(id int) (v1.Job, error) {
	job, ok := r.Job(id)
	if !ok {
		return v1.Job{}, ErrNotFound
	}
	return job.Info(), nil
}

// JobDetails returns the extended record of one job, including its
// source and sessions.
func (r *Registry) JobDetails(id int) (*v1.JobDetails, error) {
	job, ok := r.Job(id)
	if !ok {
		return nil, ErrNotFound
	}
	return job.Details(), nil
}

// JobLog returns the job's execution log as a well-formed XML document.
func (r *Registry) JobLog(id int) (string, error) {
	job, ok := r.Job(id)
	if !ok {
		return "", ErrNotFound
	}
	return job.Log()
}

// SendSignal dispatches a control signal to a job.
func (r *Registry) SendSignal(id int, sig v1.JobSignal) error {
	job, ok := r.Job(id)
	if !ok {
		return ErrNotFound
	}
	job.HandleSignal(sig)
	return nil
}

// Reschedule moves the start time of a job that has not started yet and
// reports whether the change was accepted.
func (r *Registry) Reschedule(id int, at time.Time) (bool, error) {
	job, ok := r.Job(id)
	if !ok {
		return false, ErrNotFound
	}
	return job.Reschedule(at), nil
}

// WaitingRootJobs returns the jobs the scheduler may start: waiting,
// without a parent. Children are started by their campaign, never by
// the scheduler.
func (r *Registry) WaitingRootJobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var waiting []Job
	for _, job := range r.jobs {
		if job.Parent() == nil && job.State() == v1.JobStateWaiting {
			waiting = append(waiting, job)
		}
	}
	return waiting
}

// KillAll sends a kill signal to every job in the queue; called on
// server shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	snapshot := make([]Job, len(r.jobs))
	copy(snapshot, r.jobs)
	r.mu.Unlock()
	for _, job := range snapshot {
		job.HandleSignal(v1.SignalKill)
	}
}

// bottomUpTreeCompleted reports whether the job and every ancestor up
// to the root stopped. A finished child below a still-running campaign
// is kept so the campaign tree stays navigable.
func bottomUpTreeCompleted(job Job) bool {
	if job.stopTime() == nil {
		return false
	}
	for parent := job.Parent(); parent != nil; parent = parent.Parent() {
		if parent.stopTime() == nil {
			return false
		}
	}
	return true
}

// Purge drops jobs that stopped before olderThan and whose whole
// ancestry is finished, returning how many were removed.
func (r *Registry) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	kept := r.jobs[:0]
	var removed []int
	for _, job := range r.jobs {
		stopped := job.stopTime()
		if bottomUpTreeCompleted(job) && stopped != nil && stopped.Before(olderThan) {
			removed = append(removed, job.ID())
			delete(r.byID, job.ID())
		} else {
			kept = append(kept, job)
		}
	}
	r.jobs = kept
	r.mu.Unlock()

	if len(removed) > 0 {
		r.log.Info("purged jobs", zap.Int("count", len(removed)))
		if r.store != nil {
			if err := r.store.Delete(ctx, removed); err != nil {
				return len(removed), fmt.Errorf("unable to purge persisted jobs: %w", err)
			}
		}
	}
	return len(removed), nil
}

// Restore reloads the persisted queue. Jobs a previous server life left
// running, paused, cancelling or initializing are marked crashed;
// killing ones are marked killed. Id generation continues after the
// highest restored id. Must be called before any registration.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("unable to restore the job queue: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	restored := make(map[int]Job, len(records))
	r.mu.Lock()
	for _, rec := range records {
		job := r.jobFromRecord(rec)
		restored[rec.ID] = job
		r.jobs = append(r.jobs, job)
		r.byID[rec.ID] = job
		if rec.ID >= r.nextID {
			r.nextID = rec.ID + 1
		}
	}
	// Branch membership is not persisted; the parent chain is enough
	// for info records and purge decisions.
	for _, rec := range records {
		if rec.ParentID == 0 {
			continue
		}
		if parent, ok := restored[rec.ParentID]; ok {
			restored[rec.ID].setParent(parent)
		}
	}
	nextID := r.nextID
	r.mu.Unlock()

	// Whatever was alive when the previous server died did not survive
	// it.
	for _, rec := range records {
		job := restored[rec.ID]
		job.setHooks(r.hooksFor())
		switch v1.JobState(rec.State) {
		case v1.JobStateRunning, v1.JobStatePaused, v1.JobStateCancelling, v1.JobStateInitializing:
			r.log.Info("restored job marked as crashed", zap.Int("job_id", rec.ID), zap.String("state", rec.State))
			job.setState(v1.JobStateCrashed)
		case v1.JobStateKilling:
			job.setState(v1.JobStateKilled)
		}
	}

	r.log.Info("job queue restored",
		zap.Int("jobs", len(records)),
		zap.Int("next_job_id", nextID))
	return nil
}

const groupNamePrefix = "<<group:"

func (r *Registry) jobFromRecord(rec *store.Record) Job {
	var job Job
	switch v1.JobType(rec.Type) {
	case v1.JobTypeATS:
		ats := NewAtsJob(r.env, rec.Name, rec.Source, rec.Path)
		if len(rec.SelectedGroups) > 0 {
			ats.SetSelectedGroups(rec.SelectedGroups)
		}
		job = ats
	case v1.JobTypeCampaign:
		job = NewCampaignJob(r.env, rec.Name, rec.Source, rec.Path)
	default:
		name := strings.TrimSuffix(strings.TrimPrefix(rec.Name, groupNamePrefix), ">>")
		job = NewGroupJob(r.env, name)
	}
	job.restore(rec)
	return job
}

// jobChanged persists the new snapshot and publishes the JOB-EVENT.
func (r *Registry) jobChanged(job Job) {
	r.persist(job)
	r.mu.Lock()
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(job.Info())
	}
}

// persist writes the job snapshot; persistence failures are logged, the
// in-memory queue stays authoritative for the current life.
func (r *Registry) persist(job Job) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.Upsert(ctx, recordFromJob(job)); err != nil {
		r.log.Warn("unable to persist job",
			zap.Int("job_id", job.ID()),
			zap.Error(err))
	}
}

func recordFromJob(job Job) *store.Record {
	info := job.Info()
	rec := &store.Record{
		ID:               info.ID,
		Name:             info.Name,
		Type:             string(info.Type),
		State:            string(info.State),
		Result:           info.Result,
		Username:         info.Username,
		Path:             info.Path,
		StartTime:        info.StartTime,
		StopTime:         info.StopTime,
		ParentID:         info.ParentID,
		LogFilename:      info.LogFilename,
		Source:           job.Source(),
		ScheduledSession: job.ScheduledSession(),
		OutputSession:    job.OutputSession(),
		Mapping:          job.mappingCopy(),
		SelectedGroups:   job.selectedGroups(),
	}
	if info.ScheduledAt != nil {
		rec.ScheduledAt = *info.ScheduledAt
	}
	return rec
}
