package jobs

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/testerman/testerman/internal/jobs/tefactory"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"go.uber.org/zap"
)

// CampaignJob executes a tree of child jobs with result-conditional
// branching. Children run one after another; group containers fork
// parallel strands that the campaign waits on before finishing.
type CampaignJob struct {
	baseJob

	source string
	logAbs string // absolute log filename, guarded by baseJob.mu
	parsed bool   // guarded by baseJob.mu

	groups sync.WaitGroup
}

// NewCampaignJob builds a campaign job from its source. path locates
// the campaign in the repository; when empty it is derived from the
// name.
func NewCampaignJob(env *Environment, name, source, jobPath string) *CampaignJob {
	if jobPath == "" {
		jobPath = path.Join("/repository", name)
	}
	if !strings.HasPrefix(jobPath, "/") {
		jobPath = "/" + jobPath
	}
	j := &CampaignJob{source: source}
	j.baseJob = newBaseJob(env, j, v1.JobTypeCampaign, name, jobPath)
	return j
}

func (j *CampaignJob) Source() string { return j.source }

// Prepare expands the campaign source into its child job tree.
func (j *CampaignJob) Prepare() error {
	if err := j.parse(); err != nil {
		j.log().Error("campaign preparation failed", zap.Int("job_id", j.ID()), zap.Error(err))
		j.setResult(v1.ResultDependencyError)
		j.setState(v1.JobStateError)
		return fmt.Errorf("unable to prepare campaign: %w", err)
	}
	j.setState(v1.JobStateWaiting)
	return nil
}

// PreRun computes the campaign's archive locations; child jobs get their
// own when the campaign reaches them.
func (j *CampaignJob) PreRun() error {
	now := time.Now()
	basename := tefactory.LogBasename(now, j.ID(), j.Username())
	baseDocDir := path.Join("/", archivesDir, j.Name())
	baseDir := docrootJoin(j.env.DocRoot, baseDocDir)

	j.mu.Lock()
	j.logFile = path.Join(baseDocDir, basename+".log")
	j.logAbs = docrootJoin(j.env.DocRoot, j.logFile)
	j.mu.Unlock()

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("unable to create archive directory: %w", err)
	}
	return nil
}

// Run walks the child job tree to completion. Children are scheduled
// for immediate execution as the walk reaches them, never in advance.
func (j *CampaignJob) Run(inputSession map[string]interface{}) int {
	j.mu.Lock()
	parsed := j.parsed
	j.mu.Unlock()
	if !parsed {
		// Restored from a previous server life: re-expand the source.
		if err := j.parse(); err != nil {
			j.log().Error("unable to re-expand restored campaign", zap.Int("job_id", j.ID()), zap.Error(err))
			j.setResult(v1.ResultDependencyError)
			j.setState(v1.JobStateError)
			return j.resultCode()
		}
	}

	j.logEvent("event", "campaign-started", map[string]string{"id": j.Name()}, "event", "")
	j.setState(v1.JobStateRunning)
	j.runBranch(j, inputSession, BranchUnconditional)
	j.groups.Wait()

	switch j.State() {
	case v1.JobStateRunning:
		j.setResult(v1.ResultOK)
		j.setState(v1.JobStateComplete)
	case v1.JobStateCancelling:
		j.setResult(v1.ResultCancelled)
		j.setState(v1.JobStateCancelled)
	}
	j.logEvent("event", "campaign-stopped", map[string]string{
		"id":     j.Name(),
		"result": strconv.Itoa(j.resultCode()),
	}, "event", "")

	return j.resultCode()
}

// HandleSignal: campaigns only honor cancellation; execution control of
// a running child goes to the child itself.
func (j *CampaignJob) HandleSignal(sig v1.JobSignal) {
	state := j.State()
	j.log().Info("job signal received",
		zap.Int("job_id", j.ID()),
		zap.String("signal", string(sig)),
		zap.String("state", string(state)))

	if sig != v1.SignalCancel {
		j.log().Warn("signal not supported by campaign jobs",
			zap.Int("job_id", j.ID()),
			zap.String("signal", string(sig)))
		return
	}
	switch state {
	case v1.JobStateWaiting, v1.JobStateInitializing:
		j.setState(v1.JobStateCancelled)
	case v1.JobStateRunning:
		// The walk stops after the current child completes.
		j.setState(v1.JobStateCancelling)
	}
}

// runBranch executes every child of calling on the given branch, then
// recurses into each child's outcome branch.
func (j *CampaignJob) runBranch(calling Job, inputSession map[string]interface{}, branch Branch) {
	if j.State() != v1.JobStateRunning {
		// Recursion stops on kill or cancel.
		return
	}

	meta, err := tefactory.ParseScriptMetadata(j.source, "#")
	if err != nil {
		j.log().Error("unable to extract the campaign signature", zap.Int("job_id", j.ID()), zap.Error(err))
		j.setResult(v1.ResultExecutionError)
		j.setState(v1.JobStateError)
		return
	}

	merged, err := MergeSessionParameters(inputSession, meta.Parameters, calling.mappingCopy(), j.env.mergeMode())
	if err != nil {
		j.log().Error("unable to merge session parameters", zap.Int("job_id", j.ID()), zap.Error(err))
		j.setResult(v1.ResultExecutionError)
		j.setState(v1.JobStateError)
		return
	}

	for _, child := range calling.Children(branch) {
		if j.State() != v1.JobStateRunning {
			return
		}

		if group, ok := child.(*GroupJob); ok {
			// Parallel strand: no include element in the campaign log,
			// the walk continues with the next sibling immediately.
			session, err := MergeSessionParameters(inputSession, meta.Parameters, group.mappingCopy(), j.env.mergeMode())
			if err != nil {
				session = inputSession
			}
			j.groups.Add(1)
			go func(g *GroupJob, s map[string]interface{}) {
				defer j.groups.Done()
				j.runBranch(g, s, BranchUnconditional)
			}(group, session)
			continue
		}

		// Normal child: it appears in the job queue and runs
		// synchronously.
		j.registerChild(child)
		prepared := child.Prepare() == nil
		if prepared && child.claimStart() {
			if err := child.PreRun(); err != nil {
				j.log().Error("child job pre-run failed",
					zap.Int("job_id", child.ID()),
					zap.Error(err))
			}
			child.Run(merged)
			j.logEvent("core", "include", map[string]string{
				"url": "testerman://" + child.LogFilename(),
			}, "core", "")
		}

		var nextBranch Branch
		var nextInput map[string]interface{}
		if r := child.Result(); r != nil && *r == 0 {
			nextBranch = BranchSuccess
			nextInput = child.OutputSession()
		} else {
			nextBranch = BranchError
			// On errors the output session may be empty; fall back to
			// the branch input.
			nextInput = child.OutputSession()
			if len(nextInput) == 0 {
				nextInput = inputSession
			}
		}
		j.runBranch(child, nextInput, nextBranch)
	}
}

// logEvent ships one campaign log element through the Il sink.
func (j *CampaignJob) logEvent(level, element string, attributes map[string]string, logClass, value string) {
	if j.env.Logs == nil {
		return
	}
	now := time.Now()

	attrs := make(map[string]string, len(attributes)+2)
	for k, v := range attributes {
		attrs[k] = v
	}
	attrs["class"] = logClass
	attrs["timestamp"] = fmt.Sprintf("%.6f", float64(now.UnixNano())/1e9)

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("<" + element)
	for _, name := range names {
		buf.WriteString(" " + name + `="`)
		_ = xml.EscapeText(&buf, []byte(attrs[name]))
		buf.WriteString(`"`)
	}
	buf.WriteString(">")
	_ = xml.EscapeText(&buf, []byte(value))
	buf.WriteString("</" + element + ">")

	j.mu.Lock()
	logAbs := j.logAbs
	j.mu.Unlock()
	if logAbs == "" {
		return
	}
	j.env.Logs.AppendLogEvent(j.URI(), logAbs, level, now, buf.Bytes())
}

var campaignLineRe = regexp.MustCompile(
	`^(?P<indent>\s*)(?:(?P<branch>on_error|on_success|\*)\s+)?(?P<type>\w+)\s+(?P<filename>\S+)(?:\s+groups\s+(?P<groups>\S+))?(?:\s+with\s+(?P<mapping>.*?))?\s*$`,
)

// parse expands the campaign source into the child job tree.
//
// Line grammar: [branch] <type> <filename> [groups g1[,g2...]] [with k=v[,k=v...]]
// with one leading tab or space per nesting level. A child's branch
// defaults to on_success; '*' reads on_error. Children of the campaign
// root and of groups are unconditional.
func (j *CampaignJob) parse() error {
	base := path.Dir(j.Path())
	indent := 0
	var currentParent Job = j
	var lastCreated Job

	for number, raw := range strings.Split(j.source, "\n") {
		line := raw
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		m := campaignLineRe.FindStringSubmatch(line)
		if m == nil {
			return fmt.Errorf("line %d: invalid campaign line", number+1)
		}
		groups := make(map[string]string)
		for i, name := range campaignLineRe.SubexpNames() {
			if name != "" {
				groups[name] = m[i]
			}
		}

		jobType := groups["type"]
		switch jobType {
		case "ats", "campaign", "group":
		default:
			return fmt.Errorf("line %d: invalid job type %q", number+1, jobType)
		}

		indentDiff := len(groups["indent"]) - indent
		indent += indentDiff
		switch {
		case indentDiff > 1:
			return fmt.Errorf("line %d: invalid indentation (too deep)", number+1)
		case indentDiff == 1:
			if lastCreated == nil {
				return fmt.Errorf("line %d: invalid initial indentation", number+1)
			}
			currentParent = lastCreated
		case indentDiff < 0:
			for i := 0; i < -indentDiff; i++ {
				if currentParent == nil {
					return fmt.Errorf("line %d: invalid indentation", number+1)
				}
				currentParent = currentParent.Parent()
			}
			if currentParent == nil {
				return fmt.Errorf("line %d: invalid indentation", number+1)
			}
		}

		// Children of the campaign root and of groups always run; the
		// branch qualifier only applies under ats/campaign parents.
		var branch Branch
		if currentParent == Job(j) || currentParent.Type() == v1.JobTypeGroup {
			branch = BranchUnconditional
		} else {
			switch groups["branch"] {
			case "on_error", "*":
				branch = BranchError
			default:
				branch = BranchSuccess
			}
		}

		mapping, err := ParseParameterMapping(groups["mapping"])
		if err != nil {
			return fmt.Errorf("line %d: %w", number+1, err)
		}

		if jobType == "group" {
			// The filename token names the group.
			group := NewGroupJob(j.env, groups["filename"])
			group.SetUsername(j.Username())
			group.SetMapping(mapping)
			currentParent.AddChild(group, branch)
			lastCreated = group
			continue
		}

		filename := groups["filename"]
		var childPath string
		if strings.HasPrefix(filename, "/") {
			childPath = path.Join("/repository", filename)
		} else {
			childPath = path.Join(base, filename)
		}
		source, err := readDocrootFile(j.env.DocRoot, childPath)
		if err != nil {
			return fmt.Errorf("line %d: %s is not in the repository", number+1, childPath)
		}
		childName := strings.TrimPrefix(childPath, "/repository/")

		var child Job
		if jobType == "ats" {
			ats := NewAtsJob(j.env, childName, string(source), childPath)
			if groups["groups"] != "" {
				ats.SetSelectedGroups(strings.Split(groups["groups"], ","))
			}
			child = ats
		} else {
			child = NewCampaignJob(j.env, childName, string(source), childPath)
		}
		child.SetUsername(j.Username())
		child.SetMapping(mapping)
		currentParent.AddChild(child, branch)
		lastCreated = child
	}

	j.mu.Lock()
	j.parsed = true
	j.mu.Unlock()
	return nil
}
