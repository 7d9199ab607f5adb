package v1

// Agent describes a registered agent as exposed by the broker.
type Agent struct {
	URI             string   `json:"uri"`
	Contact         string   `json:"contact"`
	UserAgent       string   `json:"user-agent"`
	SupportedProbes []string `json:"supported-probes"`
}

// Probe describes a registered probe as exposed by the broker.
type Probe struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Contact  string `json:"contact"`
	AgentURI string `json:"agent-uri"`
	Locked   bool   `json:"locked"`
}

// ProbeEvent is the PROBE-EVENT payload published on system:probes.
// Exactly one of Probe or Agent is set, matching the reason.
type ProbeEvent struct {
	Reason string `json:"reason"`
	Probe  *Probe `json:"probe,omitempty"`
	Agent  *Agent `json:"agent,omitempty"`
}

// DeployProbeRequest asks an agent to instantiate a probe.
type DeployProbeRequest struct {
	AgentURI  string `json:"agent-uri" binding:"required"`
	ProbeName string `json:"probe-name" binding:"required"`
	ProbeType string `json:"probe-type" binding:"required"`
}

// UndeployProbeRequest asks an agent to remove a probe.
type UndeployProbeRequest struct {
	AgentURI  string `json:"agent-uri" binding:"required"`
	ProbeName string `json:"probe-name" binding:"required"`
}
