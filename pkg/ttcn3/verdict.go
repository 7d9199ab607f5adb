package ttcn3

// Verdict is a test component or testcase verdict.
//
// Verdicts are ordered: none < pass < inconc < fail < error. A verdict can
// only move upward in that lattice, so a component that failed once cannot
// be talked back into passing.
type Verdict string

const (
	VerdictNone   Verdict = "none"
	VerdictPass   Verdict = "pass"
	VerdictInconc Verdict = "inconc"
	VerdictFail   Verdict = "fail"
	VerdictError  Verdict = "error"
)

var verdictWeights = map[Verdict]int{
	VerdictNone:   0,
	VerdictPass:   1,
	VerdictInconc: 2,
	VerdictFail:   3,
	VerdictError:  4,
}

func (v Verdict) weight() int {
	return verdictWeights[v]
}

// Merge returns the worse of the two verdicts according to the lattice.
func (v Verdict) Merge(other Verdict) Verdict {
	if other.weight() > v.weight() {
		return other
	}
	return v
}

// Valid reports whether v is one of the five defined verdicts.
func (v Verdict) Valid() bool {
	_, ok := verdictWeights[v]
	return ok
}

func (v Verdict) String() string {
	return string(v)
}
