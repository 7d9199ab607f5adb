package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/testerman/testerman/internal/jobs/runner"
	"github.com/testerman/testerman/internal/jobs/tefactory"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"go.uber.org/zap"
)

// archivesDir is the docroot directory holding per-ATS run artefacts.
const archivesDir = "archives"

// AtsJob runs a single test script: it builds a test executable from
// the source at preparation time and supervises its process during the
// run.
type AtsJob struct {
	baseJob

	source string
	groups []string // selected test case groups, nil runs everything

	// staging state carried from prepare to run, guarded by baseJob.mu
	preparedDir string // temporary staging tree, empty once moved or cleaned
	teMain      string // main module path relative to the staging tree
	basename    string // per-run artefact base name
	baseDocDir  string // docroot path of the per-ATS archive directory
	baseDir     string // absolute counterpart of baseDocDir
	packageDir  string // absolute final package directory for this run
	teFilename  string // executed main module, docroot path
	teCmdline   string // human-readable command line
	teInput     map[string]interface{}

	procMu sync.Mutex
	proc   runner.Process
}

// NewAtsJob builds an ATS job from its source. path locates the script
// in the repository; when empty it is derived from the name.
func NewAtsJob(env *Environment, name, source, jobPath string) *AtsJob {
	if jobPath == "" {
		jobPath = path.Join("/repository", name)
	}
	if !strings.HasPrefix(jobPath, "/") {
		jobPath = "/" + jobPath
	}
	j := &AtsJob{source: source}
	j.baseJob = newBaseJob(env, j, v1.JobTypeATS, name, jobPath)
	return j
}

func (j *AtsJob) Source() string { return j.source }

// SetSelectedGroups restricts the run to the named test case groups.
func (j *AtsJob) SetSelectedGroups(groups []string) {
	j.mu.Lock()
	if groups == nil {
		j.groups = nil
	} else {
		j.groups = append([]string(nil), groups...)
	}
	j.mu.Unlock()
}

// SelectedGroups returns the group selection, nil when unrestricted.
func (j *AtsJob) SelectedGroups() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.groups == nil {
		return nil
	}
	return append([]string(nil), j.groups...)
}

func (j *AtsJob) selectedGroups() []string { return j.SelectedGroups() }

// Prepare builds the TE package in a temporary staging tree. On failure
// the job carries the preparation result code and is in the error state.
func (j *AtsJob) Prepare() error {
	if code, err := j.stage(); err != nil {
		j.log().Error("job preparation failed",
			zap.Int("job_id", j.ID()),
			zap.Int("result", code),
			zap.Error(err))
		j.setResult(code)
		j.setState(v1.JobStateError)
		return fmt.Errorf("unable to prepare job: %w", err)
	}
	j.setState(v1.JobStateWaiting)
	return nil
}

// stage runs the full TE build pipeline: metadata and language API
// validation, dependency resolution, main-module generation, syntax
// check, staging and artefact packaging. It returns the preparation
// result code alongside any error.
func (j *AtsJob) stage() (int, error) {
	meta, err := tefactory.ParseScriptMetadata(j.source, "#")
	if err != nil {
		return v1.ResultUnsupportedAPI, err
	}

	var deps []string
	if j.env.Resolver != nil {
		deps, err = j.env.Resolver.Resolve(j.source, j.Path())
		if err != nil {
			return v1.ResultDependencyError, fmt.Errorf("unable to resolve dependencies: %w", err)
		}
	}

	atsDir := strings.TrimPrefix(path.Dir(j.Path()), "/")
	te, err := j.env.Factory.CreateExecutable(j.Name(), j.source, atsDir, meta)
	if err != nil {
		return v1.ResultUnsupportedAPI, fmt.Errorf("unable to create test executable: %w", err)
	}

	if err := j.env.Factory.Check(context.Background(), te); err != nil {
		if errors.Is(err, tefactory.ErrSyntax) {
			return v1.ResultSyntaxError, err
		}
		return v1.ResultCheckError, err
	}

	staged := make([]tefactory.Dependency, 0, len(deps))
	for _, dep := range deps {
		content, err := readDocrootFile(j.env.DocRoot, dep)
		if err != nil {
			return v1.ResultPackagingError, fmt.Errorf("unable to read dependency %s: %w", dep, err)
		}
		staged = append(staged, tefactory.Dependency{
			TargetPath: strings.TrimPrefix(dep, "/"),
			Content:    content,
		})
	}

	pkg, err := j.env.Factory.Stage(j.Name(), te, staged)
	if err != nil {
		return v1.ResultPackagingError, err
	}

	j.mu.Lock()
	j.preparedDir = pkg.Dir
	j.teMain = pkg.Main
	j.mu.Unlock()
	return 0, nil
}

// PreRun computes the final archive locations for the run, making the
// log filename available before the TE starts.
func (j *AtsJob) PreRun() error {
	now := time.Now()
	basename := tefactory.LogBasename(now, j.ID(), j.Username())
	baseDocDir := path.Join("/", archivesDir, j.Name())
	baseDir := docrootJoin(j.env.DocRoot, baseDocDir)

	j.mu.Lock()
	j.basename = basename
	j.baseDocDir = baseDocDir
	j.baseDir = baseDir
	j.packageDir = filepath.Join(baseDir, basename)
	j.logFile = path.Join(baseDocDir, basename+".log")
	j.mu.Unlock()

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("unable to create archive directory: %w", err)
	}
	return nil
}

func (j *AtsJob) setProc(proc runner.Process) {
	j.procMu.Lock()
	j.proc = proc
	j.procMu.Unlock()
}

func (j *AtsJob) currentProc() runner.Process {
	j.procMu.Lock()
	defer j.procMu.Unlock()
	return j.proc
}

// Run moves the staged package into the archives, merges the input
// session, spawns the TE and blocks until it exits, then maps the exit
// status onto the job result and state.
func (j *AtsJob) Run(inputSession map[string]interface{}) int {
	fail := func(code int, msg string, err error) int {
		j.log().Error(msg, zap.Int("job_id", j.ID()), zap.Error(err))
		j.setResult(code)
		j.setState(v1.JobStateError)
		return code
	}

	j.mu.Lock()
	preparedDir := j.preparedDir
	j.mu.Unlock()
	if preparedDir == "" {
		// Restored from a previous server life: the staging tree is
		// gone, rebuild it from the source.
		if code, err := j.stage(); err != nil {
			return fail(code, "unable to re-stage restored job", err)
		}
		j.mu.Lock()
		preparedDir = j.preparedDir
		j.mu.Unlock()
	}

	j.mu.Lock()
	packageDir := j.packageDir
	basename := j.basename
	baseDir := j.baseDir
	teMain := j.teMain
	j.mu.Unlock()
	if packageDir == "" {
		return fail(v1.ResultStagingError, "job was not pre-run", errors.New("missing archive location"))
	}

	if err := tefactory.MoveTree(preparedDir, packageDir); err != nil {
		return fail(v1.ResultStagingError, "unable to move the TE package into the archives", err)
	}
	j.mu.Lock()
	j.preparedDir = ""
	j.mu.Unlock()

	meta, err := tefactory.ParseScriptMetadata(j.source, "#")
	if err != nil {
		return fail(v1.ResultExecutionError, "unable to extract the script signature", err)
	}
	merged, err := MergeSessionParameters(inputSession, meta.Parameters, j.mappingCopy(), j.env.mergeMode())
	if err != nil {
		return fail(v1.ResultStagingError, "unable to merge session parameters", err)
	}

	inputFilename := filepath.Join(packageDir, basename+".input.session")
	outputFilename := filepath.Join(packageDir, basename+".output.session")
	encoded, err := tefactory.DumpSession(merged)
	if err != nil {
		return fail(v1.ResultStagingError, "unable to encode the input session", err)
	}
	if err := os.WriteFile(inputFilename, encoded, 0o644); err != nil {
		return fail(v1.ResultStagingError, "unable to write the input session file", err)
	}

	teFilename := filepath.Join(packageDir, filepath.FromSlash(teMain))
	teLogFilename := filepath.Join(baseDir, basename+".log")
	cmd := j.env.Factory.CreateCommandLine(j.ID(), teFilename, teLogFilename, inputFilename, outputFilename, j.SelectedGroups())

	j.mu.Lock()
	j.teFilename = strings.TrimPrefix(teFilename, j.env.DocRoot)
	j.teCmdline = strings.Join(cmd.Args, " ")
	j.teInput = copySession(merged)
	j.mu.Unlock()

	proc, err := j.env.Runner.Start(context.Background(), runner.StartRequest{
		Dir:        packageDir,
		Executable: cmd.Executable,
		Args:       cmd.Args,
		Env:        cmd.Env,
	})
	if err != nil {
		_ = os.Remove(inputFilename)
		return fail(v1.ResultExecutionError, "unable to start the test executable", err)
	}
	j.setProc(proc)
	j.setState(v1.JobStateRunning)

	status, err := proc.Wait()
	j.setProc(nil)
	if err != nil {
		return fail(v1.ResultExecutionError, "unable to supervise the test executable", err)
	}

	var finalState v1.JobState
	switch {
	case status.Killed():
		j.setResult(v1.ResultKilled)
		finalState = v1.JobStateKilled
	case status.Signaled:
		j.log().Warn("test executable terminated by signal",
			zap.Int("job_id", j.ID()),
			zap.Int("signal", status.Signal))
		j.setResult(v1.ResultRuntimeCrash)
		finalState = v1.JobStateError
	default:
		j.setResult(status.Code)
		switch status.Code {
		case v1.ResultOK, v1.ResultOKWithFailedTC:
			finalState = v1.JobStateComplete
		case v1.ResultCancelled:
			finalState = v1.JobStateCancelled
		default:
			finalState = v1.JobStateError
		}
	}

	// Collect the output session before the terminal transition so the
	// persisted record carries it.
	if data, err := os.ReadFile(outputFilename); err == nil {
		if session, err := tefactory.LoadSession(data); err == nil {
			j.setOutputSession(session)
		} else {
			j.log().Warn("unable to decode the TE output session", zap.Int("job_id", j.ID()), zap.Error(err))
		}
	} else if !os.IsNotExist(err) {
		j.log().Warn("unable to read the TE output session", zap.Int("job_id", j.ID()), zap.Error(err))
	}
	_ = os.Remove(inputFilename)
	_ = os.Remove(outputFilename)

	j.setState(finalState)
	return j.resultCode()
}

// HandleSignal maps the abstract job signals onto the TE process.
func (j *AtsJob) HandleSignal(sig v1.JobSignal) {
	state := j.State()
	proc := j.currentProc()
	j.log().Info("job signal received",
		zap.Int("job_id", j.ID()),
		zap.String("signal", string(sig)),
		zap.String("state", string(state)))

	var err error
	switch {
	case sig == v1.SignalKill && state != v1.JobStateKilled && proc != nil:
		j.setState(v1.JobStateKilling)
		err = proc.Signal(runner.SignalKill)
	case sig == v1.SignalCancel && state == v1.JobStatePaused && proc != nil:
		// The TE must be resumed before it can see the interrupt.
		j.setState(v1.JobStateCancelling)
		if err = proc.Signal(runner.SignalResume); err == nil {
			err = proc.Signal(runner.SignalInterrupt)
		}
	case sig == v1.SignalCancel && state == v1.JobStateRunning && proc != nil:
		j.setState(v1.JobStateCancelling)
		err = proc.Signal(runner.SignalInterrupt)
	case sig == v1.SignalCancel && (state == v1.JobStateWaiting || state == v1.JobStateInitializing):
		j.setState(v1.JobStateCancelled)
	case sig == v1.SignalPause && state == v1.JobStateRunning && proc != nil:
		if err = proc.Signal(runner.SignalPause); err == nil {
			j.setState(v1.JobStatePaused)
		}
	case sig == v1.SignalResume && state == v1.JobStatePaused && proc != nil:
		if err = proc.Signal(runner.SignalResume); err == nil {
			j.setState(v1.JobStateRunning)
		}
	case sig == v1.SignalActionPerformed && state == v1.JobStateRunning && proc != nil:
		err = proc.Signal(runner.SignalActionPerformed)
	default:
		j.log().Debug("signal not applicable in current state",
			zap.Int("job_id", j.ID()),
			zap.String("signal", string(sig)),
			zap.String("state", string(state)))
	}
	if err != nil {
		j.log().Error("unable to deliver signal to the test executable",
			zap.Int("job_id", j.ID()),
			zap.String("signal", string(sig)),
			zap.Error(err))
	}
}

// cleanup drops the staging tree of a job that never ran.
func (j *AtsJob) cleanup() {
	j.mu.Lock()
	dir := j.preparedDir
	j.preparedDir = ""
	j.mu.Unlock()
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		j.log().Warn("unable to remove the TE staging tree", zap.Int("job_id", j.ID()), zap.Error(err))
	}
}

func (j *AtsJob) Details() *v1.JobDetails {
	details := j.baseJob.Details()
	j.mu.Lock()
	details.TECommandLine = j.teCmdline
	details.TEFilename = j.teFilename
	details.InputSession = copySession(j.teInput)
	j.mu.Unlock()
	return details
}
