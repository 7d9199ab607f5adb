// Package runner supervises test executable processes.
//
// A Runner turns a prepared command line into a supervised Process that
// accepts abstract control signals (pause, resume, interrupt, kill,
// action-performed) and reports how the executable exited. Two
// implementations exist: direct child processes in their own process
// group, and docker containers.
package runner

import "context"

// Signal is an abstract control signal deliverable to a running TE.
type Signal string

const (
	SignalPause           Signal = "pause"
	SignalResume          Signal = "resume"
	SignalInterrupt       Signal = "interrupt"
	SignalKill            Signal = "kill"
	SignalActionPerformed Signal = "action-performed"
)

// StartRequest describes a TE invocation.
type StartRequest struct {
	Dir        string   // working directory of the TE
	Executable string   // resolved executable
	Args       []string // full argv, Args[0] being the executable
	Env        []string // entries appended to the inherited environment
}

// ExitStatus reports how a TE finished.
type ExitStatus struct {
	Code     int  // exit code, meaningful when Signaled is false
	Signal   int  // terminating signal number when Signaled is true
	Signaled bool // terminated by a signal instead of exiting
}

// SIGKILL is 9 on every supported platform; containers report it back
// through the 128+n exit code convention.
const sigKillNumber = 9

// Killed reports whether the TE was terminated by SIGKILL.
func (s ExitStatus) Killed() bool { return s.Signaled && s.Signal == sigKillNumber }

// Process is a started TE under supervision.
type Process interface {
	// PID returns the host process id, or 0 when not applicable.
	PID() int
	// Signal delivers an abstract control signal to the TE.
	Signal(sig Signal) error
	// Wait blocks until the TE exits and returns its exit status. It
	// must be called exactly once.
	Wait() (ExitStatus, error)
}

// Runner starts test executables.
type Runner interface {
	Start(ctx context.Context, req StartRequest) (Process, error)
}
