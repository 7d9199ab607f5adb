package ttcn3

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	class string
	xml   string
}

// captureSink records every shipped event for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []capturedEvent
	closed bool
}

func (s *captureSink) SendLog(class string, xml []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, capturedEvent{class: class, xml: string(xml)})
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) all() []capturedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newCaptureLogger(t *testing.T) (*TestLogger, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	return newTestLogger(sink, 0, newQuietLogger(t)), sink
}

func TestTestLoggerEventFormat(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.AtsStarted("ats-1")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "event", events[0].class, "core events carry the event class")
	assert.Regexp(t, `^<ats-started class="event" timestamp="\d+\.\d{6}" id="ats-1"></ats-started>$`, events[0].xml)
}

func TestTestLoggerEscaping(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.User("1 < 2 && 3 > 2", "TC_<X>")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].xml, `tc="TC_&lt;X&gt;"`)
	assert.Contains(t, events[0].xml, `>1 &lt; 2 &amp;&amp; 3 &gt; 2</user>`)
}

func TestTestLoggerInternalExcludedByDefault(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.Internal("runtime detail")
	assert.Empty(t, sink.all())

	tl.EnableDebug()
	tl.Internal("runtime detail")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "internal", events[0].class)
}

func TestTestLoggerCoreAndActionCannotBeExcluded(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.SetExcludedLevels([]string{LogLevelCore, LogLevelAction, LogLevelUser})

	tl.User("muted", "")
	tl.AtsStarted("ats-1")
	tl.ActionRequested("plug the cable", 5*time.Second, "mtc")

	events := sink.all()
	require.Len(t, events, 2)
	assert.Contains(t, events[0].xml, "<ats-started")
	assert.Contains(t, events[1].xml, "<action-requested")
}

func TestLevelClassMapping(t *testing.T) {
	assert.Equal(t, "event", levelClass(LogLevelCore))
	assert.Equal(t, "event", levelClass(LogLevelEvent))
	assert.Equal(t, "event", levelClass(LogLevelMatch))
	assert.Equal(t, "event", levelClass(LogLevelMismatch))
	assert.Equal(t, "system", levelClass(LogLevelSystem))
	assert.Equal(t, "action", levelClass(LogLevelAction))
	assert.Equal(t, "user", levelClass(LogLevelUser))
	assert.Equal(t, "internal", levelClass(LogLevelInternal))
}

func TestTestcaseStoppedBodyIsCDATA(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.TestcaseStopped("TC_RAW", VerdictPass, "kept <raw> & unescaped")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].xml, `verdict="pass"`)
	assert.Contains(t, events[0].xml, "<![CDATA[kept <raw> & unescaped]]>")
}

func TestValueSerialization(t *testing.T) {
	tl, _ := newCaptureLogger(t)

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"scalar string", "hello", "<v>hello</v>"},
		{"scalar int", 42, "<v>42</v>"},
		{"nil", nil, "<v></v>"},
		{"list", []interface{}{1, "a"}, "<v><l><i>1</i><i>a</i></l></v>"},
		{"record", map[string]interface{}{"code": 200}, `<v><r><f n="code">200</f></r></v>`},
		{"choice", Choice{Name: "sdp", Value: "v=0"}, `<v><c n="sdp">v=0</c></v>`},
		{"binary", []byte{0x00, 0x01}, `<v encoding="base64">AAE=</v>`},
		{"binary record field", map[string]interface{}{"raw": []byte{0x00, 0x01}},
			`<v><r><f n="raw" encoding="base64">AAE=</f></r></v>`},
		{"nested choice", Choice{Name: "blob", Value: []byte{0x00}},
			`<v><c n="blob" encoding="base64">AA==</c></v>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tl.valueToXML(tt.value, "v"))
		})
	}
}

func TestValueSerializationTruncatesLongPayloads(t *testing.T) {
	sink := &captureSink{}
	tl := newTestLogger(sink, 8, newQuietLogger(t))
	assert.Equal(t, "<v>12345678...</v>", tl.valueToXML("1234567890", "v"))
	assert.Equal(t, "<v>1234</v>", tl.valueToXML("1234", "v"))
}

func TestSystemEventsCarryLabelPayloadAndAddress(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.SystemReceived("sip", "response", "SIP/2.0 200 OK", "10.0.0.1:5060")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].class)
	assert.Contains(t, events[0].xml, `tsi-port="sip"`)
	assert.Contains(t, events[0].xml, "<label>response</label>")
	assert.Contains(t, events[0].xml, "<payload>SIP/2.0 200 OK</payload>")
	assert.Contains(t, events[0].xml, "<sut-address>10.0.0.1:5060</sut-address>")
}

func TestTimerEventsFormatDurations(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	tl.TimerStarted("watchdog", "mtc", 1500*time.Millisecond)
	tl.TimerStopped("watchdog", "mtc", 2*time.Second)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Contains(t, events[0].xml, `duration="1.5"`)
	assert.Contains(t, events[1].xml, `running-time="2"`)
}

func TestTestLoggerCloseStopsShipping(t *testing.T) {
	tl, sink := newCaptureLogger(t)
	require.NoError(t, tl.Close())
	assert.True(t, sink.closed)

	tl.AtsStarted("late")
	assert.Empty(t, sink.all(), "events after Close must not reach the sink")
}
