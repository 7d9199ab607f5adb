// Package events provides event types and channel-to-subject mapping for the
// Testerman event system.
//
// Clients address event streams by channel URI (job:12, system:jobs,
// probe:watcher@farm01). The bus itself routes on dot-separated subjects,
// so the URI is translated at the subscription boundary and carried verbatim
// inside each event.
package events

import (
	"strconv"
	"strings"
)

// Notification methods carried over the Xc interface.
const (
	JobEvent   = "JOB-EVENT"   // job state transitions
	LogEvent   = "LOG"         // raw execution log records
	ProbeEvent = "PROBE-EVENT" // probe and agent lifecycle
)

// Well-known channel URIs.
const (
	ChannelSystemJobs   = "system:jobs"
	ChannelSystemProbes = "system:probes"
)

// PROBE-EVENT payload event names, published on system:probes.
const (
	ProbeRegistered   = "probe-registered"
	ProbeUnregistered = "probe-unregistered"
	ProbeLocked       = "probe-locked"
	ProbeUnlocked     = "probe-unlocked"
	AgentRegistered   = "agent-registered"
	AgentUnregistered = "agent-unregistered"
)

// subjectReplacer rewrites the URI punctuation NATS subjects cannot carry.
var subjectReplacer = strings.NewReplacer(":", ".", "@", ".")

// SubjectForChannel maps a Testerman channel URI to a bus subject.
// job:12 becomes job.12, probe:watcher@farm01 becomes probe.watcher.farm01.
// The mapping is not reversible; handlers read the original URI off the event.
func SubjectForChannel(uri string) string {
	return subjectReplacer.Replace(uri)
}

// JobChannel returns the channel URI carrying events for a single job.
func JobChannel(jobID int) string {
	return "job:" + strconv.Itoa(jobID)
}

// SubjectForJob returns the bus subject carrying events for a single job.
func SubjectForJob(jobID int) string {
	return "job." + strconv.Itoa(jobID)
}

// SubjectAllJobs returns a wildcard subject matching every per-job channel.
func SubjectAllJobs() string {
	return "job.*"
}
