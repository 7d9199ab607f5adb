package v1

import "time"

// JobType tags the kind of a job.
type JobType string

const (
	JobTypeATS      JobType = "ats"
	JobTypeCampaign JobType = "campaign"
	JobTypeGroup    JobType = "group"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateInitializing JobState = "initializing"
	JobStateWaiting      JobState = "waiting"
	JobStateRunning      JobState = "running"
	JobStateKilling      JobState = "killing"
	JobStateCancelling   JobState = "cancelling"
	JobStatePaused       JobState = "paused"
	JobStateComplete     JobState = "complete"
	JobStateCancelled    JobState = "cancelled"
	JobStateKilled       JobState = "killed"
	JobStateError        JobState = "error"
	JobStateCrashed      JobState = "crashed"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateComplete, JobStateCancelled, JobStateKilled, JobStateError, JobStateCrashed:
		return true
	}
	return false
}

// JobSignal represents a control signal accepted by a job.
type JobSignal string

const (
	SignalPause           JobSignal = "pause"
	SignalResume          JobSignal = "resume"
	SignalCancel          JobSignal = "cancel"
	SignalKill            JobSignal = "kill"
	SignalActionPerformed JobSignal = "action-performed"
)

// Job result codes.
//
// 0-9 are execution outcomes, 20-29 preparation errors (the job never ran),
// 50-99 are reserved for client-side retcodes and 100+ for userland ones.
const (
	ResultOK              = 0 // complete
	ResultCancelled       = 1
	ResultKilled          = 2
	ResultRuntimeCrash    = 3 // TE terminated by a signal
	ResultOKWithFailedTC  = 4 // complete, at least one testcase failed
	ResultPackagingError  = 20
	ResultSyntaxError     = 21
	ResultCheckError      = 22
	ResultExecutionError  = 23 // signature extraction or exec failure
	ResultStagingError    = 24 // artefact or session file staging failure
	ResultDependencyError = 25
	ResultUnsupportedAPI  = 26
)

// Job is the wire-visible job info record, carried in JOB-EVENT payloads and
// Ws responses. The field names are the wire contract; clients key off them.
type Job struct {
	ID          int        `json:"id"`
	Name        string     `json:"name"`
	Type        JobType    `json:"type"`
	State       JobState   `json:"state"`
	Result      *int       `json:"result"` // nil until the job reaches a terminal state
	Username    string     `json:"username"`
	Path        string     `json:"path,omitempty"` // repository path of the source
	StartTime   *time.Time `json:"start-time,omitempty"`
	StopTime    *time.Time `json:"stop-time,omitempty"`
	RunningTime *float64   `json:"running-time,omitempty"` // seconds
	ScheduledAt *time.Time `json:"scheduled-at,omitempty"`
	ParentID    int        `json:"parent-id"` // 0 for root jobs
	LogFilename string     `json:"log-filename,omitempty"`
}

// SubmitJobRequest carries a job submission on the Ws interface.
type SubmitJobRequest struct {
	Type        JobType                `json:"type" binding:"required"`
	Name        string                 `json:"name" binding:"required"`
	Source      string                 `json:"source" binding:"required"`
	Path        string                 `json:"path,omitempty"` // repository path, for dependency resolution
	Username    string                 `json:"username" binding:"required"`
	ScheduledAt *time.Time             `json:"scheduled-at,omitempty"`
	Session     map[string]interface{} `json:"session,omitempty"`
	Mapping     string                 `json:"mapping,omitempty"` // session-parameter mapping expression
	Groups      []string               `json:"groups,omitempty"`  // group selection, ATS only
}

// SubmitJobResponse returns the id assigned to an accepted submission.
type SubmitJobResponse struct {
	JobID int `json:"job-id"`
}

// SendSignalRequest delivers a control signal to a job.
type SendSignalRequest struct {
	Signal JobSignal `json:"signal" binding:"required"`
}

// RescheduleRequest moves a not-yet-started job to a new start time.
type RescheduleRequest struct {
	At time.Time `json:"at" binding:"required"`
}

// JobDetails extends the info record with data too large for event payloads.
type JobDetails struct {
	Job
	Source        string                 `json:"source,omitempty"`
	OutputSession map[string]interface{} `json:"output-session,omitempty"`
	InputSession  map[string]interface{} `json:"te-input-parameters,omitempty"`
	TECommandLine string                 `json:"te-command-line,omitempty"`
	TEFilename    string                 `json:"te-filename,omitempty"`
}

// PurgeJobsRequest removes terminal jobs older than max-age seconds from the
// registry. A max-age of 0 purges every terminal job.
type PurgeJobsRequest struct {
	MaxAgeSeconds float64 `json:"max-age"`
}

// PurgeJobsResponse reports how many jobs a purge removed.
type PurgeJobsResponse struct {
	Purged int `json:"purged"`
}
