// Package jobs implements the server's job subsystem: the typed job
// tree (ATS runs, campaigns, parallel groups), the registry tracking and
// persisting it, and the scheduler starting jobs on time.
package jobs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/jobs/runner"
	"github.com/testerman/testerman/internal/jobs/store"
	"github.com/testerman/testerman/internal/jobs/tefactory"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"go.uber.org/zap"
)

// ErrNotFound reports an operation on an unknown job id.
var ErrNotFound = errors.New("job not found")

// startDelay is the default lead time before an unscheduled job starts,
// giving the submitting client a chance to subscribe to its log events.
const startDelay = time.Second

// Branch selects which children of a job run after it finishes.
type Branch int

const (
	// BranchSuccess children run when the parent finishes with result 0.
	BranchSuccess Branch = iota
	// BranchError children run on any other parent outcome.
	BranchError
	// BranchUnconditional holds the root children of campaigns and the
	// members of groups.
	BranchUnconditional
)

// LogSink receives execution log events produced server-side (campaign
// markers), feeding the same stream TEs fill through the Il interface.
type LogSink interface {
	// AppendLogEvent stores one serialized log element for a job and
	// redistributes it to subscribers. logFilename is the absolute
	// target file.
	AppendLogEvent(jobURI, logFilename, logClass string, timestamp time.Time, element []byte)
}

// Environment bundles what jobs need to prepare and run.
type Environment struct {
	DocRoot   string
	MergeMode string // session parameter merge mode, loose when empty
	Factory   *tefactory.Factory
	Runner    runner.Runner
	Resolver  tefactory.Resolver
	Logs      LogSink // optional
	Log       *logger.Logger
}

func (e *Environment) mergeMode() string {
	if e.MergeMode == "" {
		return MergeModeLoose
	}
	return e.MergeMode
}

// Job is a schedulable unit of work: an ATS run, a campaign, or a
// parallel group container inside a campaign.
type Job interface {
	ID() int
	URI() string
	Name() string
	Type() v1.JobType
	Username() string
	SetUsername(username string)
	Path() string
	Source() string
	State() v1.JobState
	Finished() bool
	Result() *int
	Parent() Job
	Children(branch Branch) []Job
	AddChild(child Job, branch Branch)
	ScheduledAt() time.Time
	SetScheduledAt(at time.Time)
	Reschedule(at time.Time) bool
	ScheduledSession() map[string]interface{}
	SetScheduledSession(session map[string]interface{})
	SetMapping(mapping map[string]string)
	OutputSession() map[string]interface{}
	LogFilename() string
	Log() (string, error)
	Info() v1.Job
	Details() *v1.JobDetails

	// Prepare validates the job and builds whatever the run needs; on
	// success the job is waiting, on failure it carries a preparation
	// result code and is in the error state.
	Prepare() error
	// PreRun computes the run's archive locations, making the log
	// filename available before execution starts.
	PreRun() error
	// Run executes the job to completion and returns its result code.
	Run(inputSession map[string]interface{}) int
	// HandleSignal applies a control signal; signals not applicable in
	// the current state are ignored.
	HandleSignal(sig v1.JobSignal)

	setID(id int)
	setState(state v1.JobState)
	setParent(parent Job)
	setHooks(h *hooks)
	claimStart() bool
	stopTime() *time.Time
	mappingCopy() map[string]string
	selectedGroups() []string
	restore(rec *store.Record)
	cleanup()
}

// hooks connect a job to the registry's persistence and notification.
type hooks struct {
	changed  func(Job)
	register func(Job)
}

type baseJob struct {
	env  *Environment
	self Job // the concrete job embedding this base

	jobType v1.JobType
	name    string
	path    string

	mu        sync.Mutex
	id        int
	username  string
	state     v1.JobState
	result    *int
	scheduled time.Time
	session   map[string]interface{}
	mapping   map[string]string
	output    map[string]interface{}
	logFile   string // docroot path
	started   bool   // claimed by the scheduler or a running campaign
	startedAt *time.Time
	stoppedAt *time.Time
	parent    Job
	branches  map[Branch][]Job
	hooks     *hooks
}

func newBaseJob(env *Environment, self Job, jobType v1.JobType, name, path string) baseJob {
	return baseJob{
		env:       env,
		self:      self,
		jobType:   jobType,
		name:      name,
		path:      path,
		state:     v1.JobStateInitializing,
		scheduled: time.Now().Add(startDelay),
		session:   make(map[string]interface{}),
		mapping:   make(map[string]string),
		branches:  make(map[Branch][]Job),
	}
}

func (b *baseJob) ID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *baseJob) setID(id int) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

func (b *baseJob) URI() string { return fmt.Sprintf("job:%d", b.ID()) }

func (b *baseJob) Name() string    { return b.name }
func (b *baseJob) Type() v1.JobType { return b.jobType }
func (b *baseJob) Path() string    { return b.path }
func (b *baseJob) Source() string  { return "" }

func (b *baseJob) Username() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.username
}

func (b *baseJob) SetUsername(username string) {
	b.mu.Lock()
	b.username = username
	b.mu.Unlock()
}

func (b *baseJob) State() v1.JobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseJob) Finished() bool { return b.State().Terminal() }

func (b *baseJob) Result() *int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result == nil {
		return nil
	}
	r := *b.result
	return &r
}

func (b *baseJob) setResult(code int) {
	b.mu.Lock()
	b.result = &code
	b.mu.Unlock()
}

// setState drives the job state machine. The first transition to
// running records the start time; the first terminal transition records
// the stop time, even for jobs that never ran (the failure time is the
// stop time). Terminal states are absorbing.
func (b *baseJob) setState(state v1.JobState) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	if b.state.Terminal() {
		b.mu.Unlock()
		b.log().Debug("ignoring state transition on finished job",
			zap.String("from", string(b.State())),
			zap.String("to", string(state)))
		return
	}
	from := b.state
	b.state = state
	now := time.Now()
	if state == v1.JobStateRunning && b.startedAt == nil {
		t := now
		b.startedAt = &t
	}
	terminal := state.Terminal()
	if terminal && b.stoppedAt == nil {
		t := now
		b.stoppedAt = &t
	}
	id := b.id
	b.mu.Unlock()

	b.log().Info("job state changed",
		zap.Int("job_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(state)))
	if terminal {
		b.self.cleanup()
	}
	b.notifyChanged()
}

func (b *baseJob) log() *logger.Logger {
	if b.env != nil && b.env.Log != nil {
		return b.env.Log
	}
	return logger.Default()
}

func (b *baseJob) hooksRef() *hooks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks
}

func (b *baseJob) setHooks(h *hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

func (b *baseJob) notifyChanged() {
	if h := b.hooksRef(); h != nil && h.changed != nil {
		h.changed(b.self)
	}
}

// registerChild adds a campaign child to the registry when the job is
// itself registered; detached jobs keep working without ids.
func (b *baseJob) registerChild(child Job) {
	if h := b.hooksRef(); h != nil && h.register != nil {
		h.register(child)
	}
}

func (b *baseJob) Parent() Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

func (b *baseJob) setParent(parent Job) {
	b.mu.Lock()
	b.parent = parent
	b.mu.Unlock()
}

func (b *baseJob) Children(branch Branch) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	children := b.branches[branch]
	out := make([]Job, len(children))
	copy(out, children)
	return out
}

func (b *baseJob) AddChild(child Job, branch Branch) {
	b.mu.Lock()
	b.branches[branch] = append(b.branches[branch], child)
	b.mu.Unlock()
	child.setParent(b.self)
}

func (b *baseJob) ScheduledAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scheduled
}

// normalizeSchedule clamps a start time: the zero time means "as soon
// as possible" with a short lead, a past time means now.
func normalizeSchedule(at time.Time) time.Time {
	now := time.Now()
	if at.IsZero() {
		return now.Add(startDelay)
	}
	if at.Before(now) {
		return now
	}
	return at
}

func (b *baseJob) SetScheduledAt(at time.Time) {
	b.mu.Lock()
	b.scheduled = normalizeSchedule(at)
	b.mu.Unlock()
}

// Reschedule moves the start time of a job that has not started yet.
func (b *baseJob) Reschedule(at time.Time) bool {
	b.mu.Lock()
	if b.started || (b.state != v1.JobStateInitializing && b.state != v1.JobStateWaiting) {
		b.mu.Unlock()
		return false
	}
	b.scheduled = normalizeSchedule(at)
	b.mu.Unlock()
	b.notifyChanged()
	return true
}

// claimStart marks the job as taken for execution; only the first
// caller may start it.
func (b *baseJob) claimStart() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.state != v1.JobStateWaiting {
		return false
	}
	b.started = true
	return true
}

func (b *baseJob) ScheduledSession() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copySession(b.session)
}

func (b *baseJob) SetScheduledSession(session map[string]interface{}) {
	b.mu.Lock()
	b.session = copySession(session)
	if b.session == nil {
		b.session = make(map[string]interface{})
	}
	b.mu.Unlock()
}

func (b *baseJob) SetMapping(mapping map[string]string) {
	b.mu.Lock()
	b.mapping = copyMapping(mapping)
	b.mu.Unlock()
}

func (b *baseJob) mappingCopy() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyMapping(b.mapping)
}

func (b *baseJob) selectedGroups() []string { return nil }

func (b *baseJob) OutputSession() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copySession(b.output)
}

func (b *baseJob) setOutputSession(session map[string]interface{}) {
	b.mu.Lock()
	b.output = copySession(session)
	b.mu.Unlock()
}

func (b *baseJob) LogFilename() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logFile
}

func (b *baseJob) setLogFilename(logFile string) {
	b.mu.Lock()
	b.logFile = logFile
	b.mu.Unlock()
}

const logDocumentHeader = "<?xml version=\"1.0\" encoding=\"utf-8\" ?>\n<ats>\n"

// Log returns the job's execution log wrapped in a well-formed XML
// document. A job that produced no log yet yields an empty document.
func (b *baseJob) Log() (string, error) {
	logFile := b.LogFilename()
	if logFile == "" {
		return logDocumentHeader + "</ats>", nil
	}
	content, err := os.ReadFile(docrootJoin(b.env.DocRoot, logFile))
	if err != nil {
		if !b.Finished() {
			// Still running with nothing flushed yet.
			return logDocumentHeader + "</ats>", nil
		}
		return "", fmt.Errorf("unable to read job log: %w", err)
	}
	return logDocumentHeader + string(content) + "</ats>", nil
}

func (b *baseJob) stopTime() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stoppedAt == nil {
		return nil
	}
	t := *b.stoppedAt
	return &t
}

// Info builds the wire-visible snapshot of the job.
func (b *baseJob) Info() v1.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := v1.Job{
		ID:          b.id,
		Name:        b.name,
		Type:        b.jobType,
		State:       b.state,
		Username:    b.username,
		Path:        b.path,
		LogFilename: b.logFile,
	}
	if b.result != nil {
		r := *b.result
		info.Result = &r
	}
	if b.parent != nil {
		info.ParentID = b.parent.ID()
	}
	if b.startedAt != nil {
		t := *b.startedAt
		info.StartTime = &t
	}
	if b.stoppedAt != nil {
		t := *b.stoppedAt
		info.StopTime = &t
	}
	if b.startedAt != nil && b.stoppedAt != nil {
		rt := b.stoppedAt.Sub(*b.startedAt).Seconds()
		info.RunningTime = &rt
	}
	scheduled := b.scheduled
	info.ScheduledAt = &scheduled
	return info
}

func (b *baseJob) Details() *v1.JobDetails {
	return &v1.JobDetails{
		Job:           b.Info(),
		Source:        b.self.Source(),
		OutputSession: b.OutputSession(),
	}
}

// Prepare is a no-op for jobs without a preparation phase.
func (b *baseJob) Prepare() error {
	b.setState(v1.JobStateWaiting)
	return nil
}

// PreRun is a no-op for jobs without run artefacts.
func (b *baseJob) PreRun() error { return nil }

// Run is overridden by runnable job types.
func (b *baseJob) Run(map[string]interface{}) int {
	b.setState(v1.JobStateRunning)
	b.log().Warn("job type has no execution handler", zap.Int("job_id", b.ID()), zap.String("type", string(b.jobType)))
	b.setState(v1.JobStateComplete)
	return 0
}

// HandleSignal is overridden by signallable job types.
func (b *baseJob) HandleSignal(sig v1.JobSignal) {
	b.log().Warn("signal not handled by this job type",
		zap.Int("job_id", b.ID()),
		zap.String("type", string(b.jobType)),
		zap.String("signal", string(sig)))
}

// cleanup releases run resources on terminal transitions.
func (b *baseJob) cleanup() {}

func (b *baseJob) resultCode() int {
	if r := b.Result(); r != nil {
		return *r
	}
	return -1
}

// restore rehydrates a job from its persisted record. The started flag
// is derived from the state: anything past waiting cannot be started
// again.
func (b *baseJob) restore(rec *store.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = rec.ID
	b.username = rec.Username
	b.state = v1.JobState(rec.State)
	if rec.Result != nil {
		r := *rec.Result
		b.result = &r
	}
	if !rec.ScheduledAt.IsZero() {
		b.scheduled = rec.ScheduledAt
	}
	if rec.StartTime != nil {
		t := *rec.StartTime
		b.startedAt = &t
	}
	if rec.StopTime != nil {
		t := *rec.StopTime
		b.stoppedAt = &t
	}
	b.logFile = rec.LogFilename
	b.session = copySession(rec.ScheduledSession)
	if b.session == nil {
		b.session = make(map[string]interface{})
	}
	b.output = copySession(rec.OutputSession)
	if rec.Mapping != nil {
		b.mapping = copyMapping(rec.Mapping)
	}
	b.started = b.state != v1.JobStateInitializing && b.state != v1.JobStateWaiting
}

// NewJobFromRequest builds the typed job for a Ws submission. Group jobs
// only exist inside campaigns and cannot be submitted directly.
func NewJobFromRequest(env *Environment, req *v1.SubmitJobRequest) (Job, error) {
	var job Job
	switch req.Type {
	case v1.JobTypeATS:
		ats := NewAtsJob(env, req.Name, req.Source, req.Path)
		ats.SetSelectedGroups(req.Groups)
		job = ats
	case v1.JobTypeCampaign:
		job = NewCampaignJob(env, req.Name, req.Source, req.Path)
	default:
		return nil, fmt.Errorf("unsupported job type %q", req.Type)
	}
	job.SetUsername(req.Username)
	if req.ScheduledAt != nil {
		job.SetScheduledAt(*req.ScheduledAt)
	}
	job.SetScheduledSession(req.Session)
	mapping, err := ParseParameterMapping(req.Mapping)
	if err != nil {
		return nil, err
	}
	job.SetMapping(mapping)
	return job, nil
}
