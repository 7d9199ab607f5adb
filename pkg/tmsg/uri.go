package tmsg

import (
	"fmt"
	"strings"
)

// URI identifies an entity on the control plane. The textual form is
// scheme:domain or scheme:user@domain, for instance:
//
//	probe:tcp01@agent-lab2   a probe hosted by an agent
//	agent:agent-lab2         an agent
//	job:12                   a job event source
//	system:tacs              the agent controller itself
type URI struct {
	Scheme string
	User   string
	Domain string
}

// ParseURI splits a textual URI into its components.
func ParseURI(s string) (URI, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" {
		return URI{}, fmt.Errorf("invalid uri %q", s)
	}
	u := URI{Scheme: scheme}
	if user, domain, ok := strings.Cut(rest, "@"); ok {
		if user == "" || domain == "" {
			return URI{}, fmt.Errorf("invalid uri %q", s)
		}
		u.User = user
		u.Domain = domain
	} else {
		u.Domain = rest
	}
	return u, nil
}

func (u URI) String() string {
	switch {
	case u.User != "" && u.Domain != "":
		return fmt.Sprintf("%s:%s@%s", u.Scheme, u.User, u.Domain)
	case u.User != "":
		return fmt.Sprintf("%s:%s", u.Scheme, u.User)
	default:
		return fmt.Sprintf("%s:%s", u.Scheme, u.Domain)
	}
}

// ProbeURI builds the canonical URI of a probe hosted by an agent.
func ProbeURI(name, agentDomain string) string {
	return URI{Scheme: "probe", User: name, Domain: agentDomain}.String()
}

// AgentURIFor returns the URI of the agent hosting the given probe.
func AgentURIFor(probeURI string) (string, error) {
	u, err := ParseURI(probeURI)
	if err != nil {
		return "", err
	}
	if u.Scheme != "probe" || u.User == "" {
		return "", fmt.Errorf("uri %q does not identify an agent-hosted probe", probeURI)
	}
	return URI{Scheme: "agent", Domain: u.Domain}.String(), nil
}
