package ttcn3

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/node"
	tacsclient "github.com/testerman/testerman/internal/tacs/client"
	"github.com/testerman/testerman/pkg/tmsg"
)

// Test executable return codes, read back by the job scheduler to derive
// the job result.
const (
	ReturnCodeOK              = 0
	ReturnCodeCancelled       = 1
	ReturnCodeTestCasesFailed = 4  // at least one fail or error verdict
	ReturnCodeRuntimeError    = 70 // uncaught error outside any testcase
)

const teUserAgent = "testerman-te"

// connectTimeout bounds the initial dials to the log collector and the
// agent controller.
const connectTimeout = 10 * time.Second

type teOptions struct {
	serverControlled  bool
	jobID             int
	remoteLogFilename string
	logFilename       string
	inputSession      string
	outputSession     string
	tacsIP            string
	tacsPort          int
	ilIP              string
	ilPort            int
	groups            string
	debug             bool
}

func (o *teOptions) bind(fs *flag.FlagSet) {
	fs.BoolVar(&o.serverControlled, "server-controlled", false, "run under the Testerman server (remote logging, agent controller probes)")
	fs.IntVar(&o.jobID, "job-id", 0, "job id assigned by the server")
	fs.StringVar(&o.remoteLogFilename, "remote-log-filename", "", "log filename announced to the server's log collector")
	fs.StringVar(&o.logFilename, "log-filename", "", "local test log output file, - for stdout")
	fs.StringVar(&o.inputSession, "input-session-filename", "", "JSON file seeding the session variables")
	fs.StringVar(&o.outputSession, "output-session-filename", "", "JSON file receiving the exported session variables")
	fs.StringVar(&o.tacsIP, "tacs-ip", "", "agent controller address")
	fs.IntVar(&o.tacsPort, "tacs-port", 40002, "agent controller port")
	fs.StringVar(&o.ilIP, "il-ip", "", "server log collector address")
	fs.IntVar(&o.ilPort, "il-port", 40001, "server log collector port")
	fs.StringVar(&o.groups, "groups", "", "comma-separated group selection; empty runs everything")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logs, including internal test log events")
}

// Main runs an ATS: it parses the standard test executable flags, brings
// up logging and the probe transport, runs body, writes the output
// session, and exits with the run's return code.
func Main(body func()) {
	os.Exit(run(body, os.Args[1:]))
}

func run(body func(), args []string) int {
	var opts teOptions
	fs := flag.NewFlagSet("testerman-te", flag.ContinueOnError)
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := "info"
	if opts.debug {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "text",
		OutputPath: "stderr",
	})
	if err != nil {
		log = logger.Default()
	}
	defer log.Sync()

	sink, err := buildSink(&opts, log)
	if err != nil {
		log.WithError(err).Error("Cannot set up the test log sink")
		return ReturnCodeRuntimeError
	}

	var tacs *tacsclient.Client
	if opts.tacsIP != "" {
		tacs = tacsclient.New(fmt.Sprintf("ws://%s:%d/ia", opts.tacsIP, opts.tacsPort), teUserAgent, log)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := tacs.Connect(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Error("Cannot reach the agent controller")
			_ = sink.Close()
			return ReturnCodeRuntimeError
		}
		defer tacs.Close()
	}

	session, err := loadSessionFile(opts.inputSession)
	if err != nil {
		log.WithError(err).Error("Cannot load the input session")
		_ = sink.Close()
		return ReturnCodeRuntimeError
	}

	var transport probeTransport
	if tacs != nil {
		transport = tacs
	}
	env := newEnvironment(environmentConfig{
		log:            log,
		sink:           sink,
		debugLogs:      opts.debug,
		transport:      transport,
		selectedGroups: splitGroups(opts.groups),
		session:        session,
	})
	setEnvironment(env)

	if tacs != nil {
		adapter := env.sa.(*testAdapter)
		tacs.OnTriEnqueueMsg(func(probeURI string, raw json.RawMessage, sutAddress string) {
			var message interface{}
			if err := json.Unmarshal(raw, &message); err != nil {
				log.WithError(err).Warn("Discarding undecodable probe message",
					zap.String("probe", probeURI))
				return
			}
			adapter.enqueueFromProbe(probeURI, message, sutAddress)
		})
		tacs.OnProbeLog(func(probeURI, logClass string, raw json.RawMessage) {
			var event probeLogEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				log.WithError(err).Warn("Discarding undecodable probe log event",
					zap.String("probe", probeURI))
				return
			}
			adapter.handleProbeLog(probeURI, logClass, event)
		})
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				env.ctrl.actionPerformed()
				continue
			}
			log.Info("Stop requested, cancelling the run", zap.String("signal", sig.String()))
			env.ctrl.cancel()
		}
	}()

	atsID := atsIdentifier(&opts)
	env.tl.AtsStarted(atsID)

	runtimeErr := invokeATS(env, body)

	code := ReturnCodeOK
	message := ""
	switch {
	case runtimeErr:
		code = ReturnCodeRuntimeError
		message = "uncaught runtime error"
	case env.ctrl.isCancelled():
		code = ReturnCodeCancelled
		message = "cancelled"
	default:
		for _, r := range env.ctrl.results() {
			if r.Verdict == VerdictFail || r.Verdict == VerdictError {
				code = ReturnCodeTestCasesFailed
				break
			}
		}
	}

	if opts.outputSession != "" {
		if err := writeSessionFile(opts.outputSession, exportedSession(env.vars.snapshot())); err != nil {
			log.WithError(err).Error("Cannot write the output session")
		}
	}

	env.tl.AtsStopped(atsID, code, message)
	if err := env.tl.Close(); err != nil {
		log.WithError(err).Warn("Closing the test log sink failed")
	}
	return code
}

// invokeATS runs the ATS body, converting any escaped panic into a runtime
// error result instead of crashing the process without a log trail.
func invokeATS(env *environment, body func()) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			failed = true
			env.log.Error("Uncaught error in ATS", zap.Any("error", r))
			env.tl.User(fmt.Sprintf("uncaught error: %v", r), "ats")
		}
	}()
	body()
	return false
}

func atsIdentifier(opts *teOptions) string {
	if opts.remoteLogFilename != "" {
		base := filepath.Base(opts.remoteLogFilename)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return filepath.Base(os.Args[0])
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

func loadSessionFile(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", path, err)
	}
	session := make(map[string]interface{})
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", path, err)
	}
	return session, nil
}

func writeSessionFile(path string, session map[string]interface{}) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing session %s: %w", path, err)
	}
	return nil
}

// exportedSession keeps the session-scoped variables (PX_ prefix); the
// suite-local P_ variables stay inside the run.
func exportedSession(all map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range all {
		if strings.HasPrefix(k, "PX_") {
			out[k] = v
		}
	}
	return out
}

func buildSink(opts *teOptions, log *logger.Logger) (ilSink, error) {
	if opts.serverControlled && opts.ilIP != "" {
		client := node.NewClient(fmt.Sprintf("ws://%s:%d/il", opts.ilIP, opts.ilPort), tmsg.ProtocolIl, teUserAgent, nil, log)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting to the log collector: %w", err)
		}
		uri := fmt.Sprintf("job:%d", opts.jobID)
		return &ilRemoteSink{client: client, filename: opts.remoteLogFilename, uri: uri}, nil
	}

	switch opts.logFilename {
	case "":
		return nopSink{}, nil
	case "-":
		return &ilFileSink{w: os.Stdout}, nil
	default:
		f, err := os.OpenFile(opts.logFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		return &ilFileSink{w: f, closer: f}, nil
	}
}

// ilRemoteSink ships log events to the server's Il endpoint as LOG
// notifications, one per event.
type ilRemoteSink struct {
	client   *node.Client
	filename string
	uri      string
}

func (s *ilRemoteSink) SendLog(class string, xml []byte) error {
	notif, err := tmsg.NewNotification(tmsg.MethodLog, s.uri, string(xml))
	if err != nil {
		return err
	}
	notif.SetHeader(tmsg.HeaderLogFilename, s.filename)
	notif.SetHeader(tmsg.HeaderLogClass, class)
	notif.SetHeader(tmsg.HeaderLogTimestamp, strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64))
	return s.client.SendNotification(notif)
}

// Close leaves the write pump a moment to drain the queued events before
// dropping the connection.
func (s *ilRemoteSink) Close() error {
	time.Sleep(200 * time.Millisecond)
	s.client.Close()
	return nil
}

// ilFileSink appends log events to a local file or stdout.
type ilFileSink struct {
	w      io.Writer
	closer io.Closer
}

func (s *ilFileSink) SendLog(_ string, xml []byte) error {
	_, err := s.w.Write(append(xml, '\n'))
	return err
}

func (s *ilFileSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
