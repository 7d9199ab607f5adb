package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/jobs/runner"
	"github.com/testerman/testerman/internal/jobs/tefactory"
)

// fakeProcess stands in for a TE process; Wait blocks until the test
// releases an exit status.
type fakeProcess struct {
	mu      sync.Mutex
	signals []runner.Signal

	exitCh  chan runner.ExitStatus
	waitErr error
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Signal(sig runner.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Wait() (runner.ExitStatus, error) {
	status := <-p.exitCh
	return status, p.waitErr
}

func (p *fakeProcess) exit(status runner.ExitStatus) {
	p.exitCh <- status
}

func (p *fakeProcess) sentSignals() []runner.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runner.Signal(nil), p.signals...)
}

// fakeRunner records start requests and hands out fakeProcesses. By
// default a started process exits immediately with exit; with hold set
// it blocks until the test calls exit on the process. onStart, when
// set, runs at start time (the staged package and session files exist
// at that point) and decides the exit status.
type fakeRunner struct {
	mu       sync.Mutex
	starts   []runner.StartRequest
	procs    []*fakeProcess
	exit     runner.ExitStatus
	startErr error
	hold     bool
	onStart  func(req runner.StartRequest) (runner.ExitStatus, error)
}

func (r *fakeRunner) Start(_ context.Context, req runner.StartRequest) (runner.Process, error) {
	r.mu.Lock()
	r.starts = append(r.starts, req)
	onStart := r.onStart
	startErr := r.startErr
	exit := r.exit
	hold := r.hold
	r.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	proc := &fakeProcess{exitCh: make(chan runner.ExitStatus, 1)}
	if onStart != nil {
		status, err := onStart(req)
		if err != nil {
			return nil, err
		}
		proc.exit(status)
	} else if !hold {
		proc.exit(exit)
	}
	r.mu.Lock()
	r.procs = append(r.procs, proc)
	r.mu.Unlock()
	return proc, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *fakeRunner) startRequests() []runner.StartRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.StartRequest(nil), r.starts...)
}

// waitForProc waits for the n-th process to be started.
func (r *fakeRunner) waitForProc(t *testing.T, n int) *fakeProcess {
	t.Helper()
	var proc *fakeProcess
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.procs) > n {
			proc = r.procs[n]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "TE process %d was not started", n)
	return proc
}

// sinkEvent is one element captured by the fakeLogSink.
type sinkEvent struct {
	uri      string
	filename string
	class    string
	element  string
}

type fakeLogSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeLogSink) AppendLogEvent(jobURI, logFilename, logClass string, _ time.Time, element []byte) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{
		uri:      jobURI,
		filename: logFilename,
		class:    logClass,
		element:  string(element),
	})
	s.mu.Unlock()
}

func (s *fakeLogSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

// elements returns the captured elements whose XML tag matches name.
func (s *fakeLogSink) elements(name string) []sinkEvent {
	var out []sinkEvent
	for _, ev := range s.all() {
		if strings.HasPrefix(ev.element, "<"+name+" ") || strings.HasPrefix(ev.element, "<"+name+">") {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEnv(t *testing.T) (*Environment, *fakeRunner, *fakeLogSink) {
	t.Helper()
	docroot := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	factory := tefactory.New(tefactory.Config{
		TacsHost:      "127.0.0.1",
		TacsPort:      40000,
		IlHost:        "127.0.0.1",
		IlPort:        40001,
		ServerName:    "testerman-test",
		ServerVersion: "0.0.0-test",
	}, log)

	run := &fakeRunner{}
	sink := &fakeLogSink{}
	env := &Environment{
		DocRoot:  docroot,
		Factory:  factory,
		Runner:   run,
		Resolver: tefactory.NewImportResolver(DocRootReader(docroot), "", nil),
		Logs:     sink,
		Log:      log,
	}
	return env, run, sink
}

// writeRepoFile places a source file at a docroot path.
func writeRepoFile(t *testing.T, docroot, docrootPath, content string) {
	t.Helper()
	target := docrootJoin(docroot, docrootPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
}

// argValue extracts the value following a flag in a command line.
func argValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// readSessionFile decodes a session file written for a TE.
func readSessionFile(t *testing.T, filename string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	var session map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &session))
	return session
}
