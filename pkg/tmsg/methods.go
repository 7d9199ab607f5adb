package tmsg

// Method constants for control-plane messages.
const (
	// Event interface (Xc)
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
	MethodMessage     = "MESSAGE" // client-originated event re-dispatch

	// Notification methods carried on Xc
	MethodJobEvent   = "JOB-EVENT"
	MethodLog        = "LOG"
	MethodProbeEvent = "PROBE-EVENT"

	// Probe control (Ia, client or TE facing)
	MethodLock         = "LOCK"
	MethodUnlock       = "UNLOCK"
	MethodGetProbes    = "GET-PROBES"
	MethodGetProbe     = "GET-PROBE"
	MethodGetAgents    = "GET-AGENTS"
	MethodGetVariables = "GET-VARIABLES"
	MethodDeploy       = "DEPLOY"
	MethodUndeploy     = "UNDEPLOY"
	MethodRestart      = "RESTART"
	MethodUpdate       = "UPDATE"

	// Test-runtime interface, proxied to the owning agent (Ia -> Xa)
	MethodTriSend            = "TRI-SEND"
	MethodTriEnqueueMsg      = "TRI-ENQUEUE-MSG"
	MethodTriExecuteTestCase = "TRI-EXECUTE-TESTCASE"
	MethodTriSAReset         = "TRI-SA-RESET"
	MethodTriMap             = "TRI-MAP"
	MethodTriUnmap           = "TRI-UNMAP"

	// Agent interface (Xa)
	MethodRegister   = "REGISTER"
	MethodUnregister = "UNREGISTER"
	MethodGet        = "GET"
	MethodKill       = "KILL"
)

// Header names.
const (
	HeaderContact         = "Contact"
	HeaderUserAgent       = "User-Agent"
	HeaderProbeURI        = "Probe-Uri"
	HeaderProbeName       = "Probe-Name"
	HeaderProbeType       = "Probe-Type"
	HeaderAgentURI        = "Agent-Uri"
	HeaderSupportedProbes = "Agent-Supported-Probe-Types"
	HeaderReason          = "Reason"
	HeaderPath            = "Path"
	HeaderLogFilename     = "Log-Filename"
	HeaderLogClass        = "Log-Class"
	HeaderLogTimestamp    = "Log-Timestamp"
	HeaderSUTAddress      = "SUT-Address"
)

// Protocol identifiers, advertised in the Protocol field.
const (
	ProtocolWs = "Ws"
	ProtocolXc = "Xc"
	ProtocolIl = "Il"
	ProtocolIa = "Ia"
	ProtocolXa = "Xa"
)

// Well-known URIs.
const (
	URISystemTACS   = "system:tacs"
	URISystemProbes = "system:probes"
	URISystemJobs   = "system:jobs"
)

// PROBE-EVENT reason values, carried in the Reason header and payload.
const (
	ReasonAgentRegistered   = "agent-registered"
	ReasonAgentUnregistered = "agent-unregistered"
	ReasonProbeRegistered   = "probe-registered"
	ReasonProbeUnregistered = "probe-unregistered"
	ReasonProbeLocked       = "probe-locked"
	ReasonProbeUnlocked     = "probe-unlocked"
)
