package jobs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/testerman/testerman/internal/jobs/tefactory"
)

// Session parameter merge modes.
const (
	MergeModeStrict = "strict"
	MergeModeLoose  = "loose"
)

var sessionTokenRe = regexp.MustCompile(`\$\{([a-zA-Z_0-9-]+)\}`)

// SubstituteVariables replaces ${name} tokens in s with the named value
// from values, leaving unknown names untouched.
func SubstituteVariables(s string, values map[string]interface{}) string {
	return sessionTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := values[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		return token
	})
}

// MergeSessionParameters computes the effective input session of a run
// from the caller-provided initial session, the script's declared
// signature, and the contextual parameter mapping.
//
// In strict mode only signature-declared parameters survive and the
// mapping can override them; in loose mode the full initial session is
// kept, completed with signature defaults, and the mapping may introduce
// new parameters. Mapping values are ${name}-substituted against the
// merged session.
func MergeSessionParameters(initial map[string]interface{}, signature map[string]tefactory.Parameter, mapping map[string]string, mode string) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	switch mode {
	case MergeModeStrict:
		for name, p := range signature {
			if v, ok := initial[name]; ok {
				merged[name] = v
			} else {
				merged[name] = p.Default
			}
		}
		for name := range merged {
			if expr, ok := mapping[name]; ok {
				merged[name] = SubstituteVariables(expr, merged)
			}
		}
	case MergeModeLoose, "":
		for name, v := range initial {
			merged[name] = v
		}
		for name, p := range signature {
			if _, ok := merged[name]; !ok {
				merged[name] = p.Default
			}
		}
		for name, expr := range mapping {
			merged[name] = SubstituteVariables(expr, merged)
		}
	default:
		return nil, fmt.Errorf("invalid session parameter merge mode %q", mode)
	}
	return merged, nil
}

// ParseParameterMapping parses an inline key=value[,key=value] mapping
// expression, as found in campaign "with" clauses and job submissions.
// A comma-separated token without an '=' belongs to the previous value,
// so a=b,c stays {a: "b,c"}.
func ParseParameterMapping(expr string) (map[string]string, error) {
	values := make(map[string]string)
	if strings.TrimSpace(expr) == "" {
		return values, nil
	}
	var pairs []string
	for _, token := range strings.Split(expr, ",") {
		if strings.Contains(token, "=") {
			pairs = append(pairs, token)
			continue
		}
		if len(pairs) == 0 {
			return nil, fmt.Errorf("invalid parameter mapping %q", expr)
		}
		pairs[len(pairs)-1] += "," + token
	}
	for _, pair := range pairs {
		name, value, _ := strings.Cut(pair, "=")
		values[strings.TrimSpace(name)] = value
	}
	return values, nil
}

func copySession(session map[string]interface{}) map[string]interface{} {
	if session == nil {
		return nil
	}
	out := make(map[string]interface{}, len(session))
	for k, v := range session {
		out[k] = v
	}
	return out
}

func copyMapping(mapping map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for k, v := range mapping {
		out[k] = v
	}
	return out
}
