package ttcn3

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitGroups(t *testing.T) {
	assert.Nil(t, splitGroups(""))
	assert.Equal(t, []string{"smoke"}, splitGroups("smoke"))
	assert.Equal(t, []string{"smoke", "nightly"}, splitGroups("smoke,nightly"))
	assert.Equal(t, []string{"smoke", "nightly"}, splitGroups(" smoke , nightly ,, "))
}

func TestExportedSessionKeepsOnlySharedVariables(t *testing.T) {
	session := exportedSession(map[string]interface{}{
		"PX_HOST":   "10.0.0.1",
		"PX_PORT":   5060,
		"P_SCRATCH": "local",
		"internal":  true,
	})
	assert.Equal(t, map[string]interface{}{"PX_HOST": "10.0.0.1", "PX_PORT": 5060}, session)
}

func TestSessionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	in := map[string]interface{}{"PX_HOST": "10.0.0.1", "PX_RETRIES": 3.0}

	require.NoError(t, writeSessionFile(path, in))
	out, err := loadSessionFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadSessionFile(t *testing.T) {
	t.Run("empty path means no session", func(t *testing.T) {
		session, err := loadSessionFile("")
		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadSessionFile(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("malformed content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := loadSessionFile(path)
		assert.Error(t, err)
	})
}

func TestATSIdentifier(t *testing.T) {
	opts := &teOptions{remoteLogFilename: "archives/20260825-101500-042-12-admin.log"}
	assert.Equal(t, "20260825-101500-042-12-admin", atsIdentifier(opts))

	fallback := atsIdentifier(&teOptions{})
	assert.NotEmpty(t, fallback, "without a remote log filename the executable name is used")
	assert.NotContains(t, fallback, "/")
}

func TestFileSinkAppendsOneEventPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := &ilFileSink{w: &buf}

	require.NoError(t, sink.SendLog("event", []byte("<ats-started/>")))
	require.NoError(t, sink.SendLog("event", []byte("<ats-stopped/>")))
	require.NoError(t, sink.Close())

	assert.Equal(t, "<ats-started/>\n<ats-stopped/>\n", buf.String())
}

func TestBuildSinkSelectsLocalTargets(t *testing.T) {
	log := newQuietLogger(t)

	t.Run("no target discards events", func(t *testing.T) {
		sink, err := buildSink(&teOptions{}, log)
		require.NoError(t, err)
		assert.IsType(t, nopSink{}, sink)
	})

	t.Run("dash targets stdout", func(t *testing.T) {
		sink, err := buildSink(&teOptions{logFilename: "-"}, log)
		require.NoError(t, err)
		fileSink, ok := sink.(*ilFileSink)
		require.True(t, ok)
		assert.Equal(t, os.Stdout, fileSink.w)
		assert.Nil(t, fileSink.closer, "stdout must not be closed")
	})

	t.Run("file target appends", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.log")
		sink, err := buildSink(&teOptions{logFilename: path}, log)
		require.NoError(t, err)
		require.NoError(t, sink.SendLog("event", []byte("<user>hi</user>")))
		require.NoError(t, sink.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "<user>hi</user>\n", string(data))
	})
}

func TestRunExitCodes(t *testing.T) {
	// run installs a fresh global environment; restore the previous one so
	// later tests keep their isolation.
	envMu.RLock()
	previous := globalEnv
	envMu.RUnlock()
	t.Cleanup(func() { setEnvironment(previous) })

	t.Run("flag parse error", func(t *testing.T) {
		assert.Equal(t, 2, run(func() {}, []string{"--no-such-flag"}))
	})

	t.Run("all pass", func(t *testing.T) {
		code := run(func() {
			NewTestCase("TC_OK", func(c *Component) { c.SetVerdict(VerdictPass) }).Execute()
		}, nil)
		assert.Equal(t, ReturnCodeOK, code)
	})

	t.Run("a failed testcase fails the run", func(t *testing.T) {
		code := run(func() {
			NewTestCase("TC_OK", func(c *Component) { c.SetVerdict(VerdictPass) }).Execute()
			NewTestCase("TC_BAD", func(c *Component) { c.SetVerdict(VerdictFail) }).Execute()
		}, nil)
		assert.Equal(t, ReturnCodeTestCasesFailed, code)
	})

	t.Run("uncaught panic is a runtime error", func(t *testing.T) {
		code := run(func() { panic("broken ats") }, nil)
		assert.Equal(t, ReturnCodeRuntimeError, code)
	})

	t.Run("cancellation wins over verdicts", func(t *testing.T) {
		code := run(func() {
			StopATS()
			NewTestCase("TC_NEVER", func(c *Component) { c.SetVerdict(VerdictFail) }).Execute()
		}, nil)
		assert.Equal(t, ReturnCodeCancelled, code)
	})

	t.Run("output session is written", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.json")
		code := run(func() {
			SetVariable("PX_RESULT", "done")
			SetVariable("P_TEMP", "local")
		}, []string{"--output-session-filename", path})
		require.Equal(t, ReturnCodeOK, code)

		session, err := loadSessionFile(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"PX_RESULT": "done"}, session)
	})

	t.Run("group selection reaches the controller", func(t *testing.T) {
		var verdict Verdict
		code := run(func() {
			verdict = NewTestCase("TC_TAGGED", func(c *Component) { c.SetVerdict(VerdictFail) }).
				InGroups("smoke").Execute()
		}, []string{"--groups", "nightly"})
		assert.Equal(t, ReturnCodeOK, code, "the skipped testcase must not fail the run")
		assert.Equal(t, VerdictNone, verdict)
	})

	t.Run("input session seeds variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "in.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"PX_HOST": "10.0.0.7"}`), 0o644))

		var seen interface{}
		code := run(func() { seen = GetVariable("PX_HOST", nil) },
			[]string{"--input-session-filename", path})
		assert.Equal(t, ReturnCodeOK, code)
		assert.Equal(t, "10.0.0.7", seen)
	})

	t.Run("log events land in the local log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.log")
		code := run(func() {
			NewTestCase("TC_LOGGED", func(c *Component) {
				c.Log("hello from the testcase")
				c.SetVerdict(VerdictPass)
			}).Execute()
		}, []string{"--log-filename", path})
		require.Equal(t, ReturnCodeOK, code)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		content := string(data)
		assert.Contains(t, content, "<ats-started")
		assert.Contains(t, content, "<testcase-started")
		assert.Contains(t, content, "hello from the testcase")
		assert.Contains(t, content, `verdict="pass"`)
		assert.Contains(t, content, "<ats-stopped")

		for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
			assert.True(t, strings.HasPrefix(line, "<"), "every line is one XML element: %q", line)
		}
	})
}
