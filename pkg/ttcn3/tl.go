package ttcn3

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/testerman/testerman/internal/common/logger"
)

// Log levels. Levels select which events are emitted; each event also
// carries an application-oriented class attribute. core and action events
// structure the log file and can never be excluded.
const (
	LogLevelCore     = "core"
	LogLevelEvent    = "event"
	LogLevelSystem   = "system"
	LogLevelAction   = "action"
	LogLevelMatch    = "match"
	LogLevelMismatch = "mismatch"
	LogLevelUser     = "user"
	LogLevelInternal = "internal"
)

// ilSink ships one serialized log event towards the Il log interface: the
// server's log collector when running server-controlled, a local file or
// stdout otherwise.
type ilSink interface {
	SendLog(class string, xml []byte) error
	Close() error
}

// nopSink discards everything. Used before initialization and in tests.
type nopSink struct{}

func (nopSink) SendLog(string, []byte) error { return nil }
func (nopSink) Close() error                 { return nil }

// TestLogger serializes runtime events into the XML log format and hands
// them to the Il sink.
type TestLogger struct {
	mu         sync.Mutex
	sink       ilSink
	excluded   map[string]bool
	maxPayload int
	mirror     *logger.Logger
}

func newTestLogger(sink ilSink, maxPayload int, mirror *logger.Logger) *TestLogger {
	if sink == nil {
		sink = nopSink{}
	}
	if maxPayload <= 0 {
		maxPayload = 65535
	}
	return &TestLogger{
		sink:       sink,
		excluded:   map[string]bool{LogLevelInternal: true},
		maxPayload: maxPayload,
		mirror:     mirror,
	}
}

// SetExcludedLevels replaces the set of muted log levels. core and action
// are silently kept enabled.
func (l *TestLogger) SetExcludedLevels(levels []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.excluded = make(map[string]bool, len(levels))
	for _, level := range levels {
		if level == LogLevelCore || level == LogLevelAction {
			continue
		}
		l.excluded[level] = true
	}
}

// EnableDebug unmutes every level, including internal.
func (l *TestLogger) EnableDebug() {
	l.SetExcludedLevels(nil)
}

// Close flushes and closes the underlying sink.
func (l *TestLogger) Close() error {
	l.mu.Lock()
	sink := l.sink
	l.sink = nopSink{}
	l.mu.Unlock()
	return sink.Close()
}

func (l *TestLogger) emit(level, element string, attrs [][2]string, body string) {
	l.mu.Lock()
	if l.excluded[level] {
		l.mu.Unlock()
		return
	}
	sink := l.sink
	l.mu.Unlock()

	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(element)
	b.WriteString(` class="`)
	b.WriteString(levelClass(level))
	b.WriteString(`" timestamp="`)
	b.WriteString(strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64))
	b.WriteString(`"`)
	for _, attr := range attrs {
		b.WriteString(" ")
		b.WriteString(attr[0])
		b.WriteString(`="`)
		xml.EscapeText(&b, []byte(attr[1])) //nolint:errcheck // strings.Builder never fails
		b.WriteString(`"`)
	}
	b.WriteByte('>')
	b.WriteString(body)
	b.WriteString("</")
	b.WriteString(element)
	b.WriteByte('>')

	if err := sink.SendLog(levelClass(level), []byte(b.String())); err != nil && l.mirror != nil {
		l.mirror.WithError(err).Debug("failed to ship log event")
	}
}

// levelClass maps a log level to the class attribute its events carry.
func levelClass(level string) string {
	switch level {
	case LogLevelCore, LogLevelMatch, LogLevelMismatch:
		return "event"
	default:
		return level
	}
}

func (l *TestLogger) AtsStarted(id string) {
	l.emit(LogLevelCore, "ats-started", [][2]string{{"id", id}}, "")
}

func (l *TestLogger) AtsStopped(id string, result int, message string) {
	l.emit(LogLevelCore, "ats-stopped",
		[][2]string{{"id", id}, {"result", strconv.Itoa(result)}}, escapeXML(message))
}

func (l *TestLogger) User(message, tc string) {
	attrs := [][2]string{}
	if tc != "" {
		attrs = append(attrs, [2]string{"tc", tc})
	}
	l.emit(LogLevelUser, "user", attrs, escapeXML(message))
}

func (l *TestLogger) Internal(message string) {
	l.emit(LogLevelInternal, "internal", nil, escapeXML(message))
}

func (l *TestLogger) MessageSent(fromTC, fromPort, toTC, toPort string, message interface{}, address string) {
	body := l.valueToXML(message, "message") + l.valueToXML(address, "address")
	l.emit(LogLevelEvent, "message-sent", [][2]string{
		{"from-tc", fromTC}, {"from-port", fromPort},
		{"to-tc", toTC}, {"to-port", toPort},
	}, body)
}

func (l *TestLogger) TestcaseCreated(id, role string) {
	l.emit(LogLevelCore, "testcase-created", [][2]string{{"id", id}, {"role", role}}, "")
}

func (l *TestLogger) TestcaseStarted(id, title string) {
	l.emit(LogLevelCore, "testcase-started", [][2]string{{"id", id}}, escapeXML(title))
}

func (l *TestLogger) TestcaseStopped(id string, verdict Verdict, description string) {
	l.emit(LogLevelCore, "testcase-stopped",
		[][2]string{{"id", id}, {"verdict", string(verdict)}},
		"<![CDATA["+description+"]]>")
}

func (l *TestLogger) TimerStarted(id, tc string, duration time.Duration) {
	l.emit(LogLevelEvent, "timer-started", [][2]string{
		{"id", id}, {"duration", formatSeconds(duration)}, {"tc", tc},
	}, "")
}

func (l *TestLogger) TimerStopped(id, tc string, runningTime time.Duration) {
	l.emit(LogLevelEvent, "timer-stopped", [][2]string{
		{"id", id}, {"running-time", formatSeconds(runningTime)}, {"tc", tc},
	}, "")
}

func (l *TestLogger) TimerExpiry(id, tc string) {
	l.emit(LogLevelEvent, "timer-expiry", [][2]string{{"id", id}, {"tc", tc}}, "")
}

func (l *TestLogger) TCCreated(id string) {
	l.emit(LogLevelEvent, "tc-created", [][2]string{{"id", id}}, "")
}

func (l *TestLogger) TCStarted(id, behaviour string) {
	l.emit(LogLevelEvent, "tc-started", [][2]string{{"id", id}, {"behaviour", behaviour}}, "")
}

func (l *TestLogger) TCStopped(id string, verdict Verdict, message string) {
	l.emit(LogLevelEvent, "tc-stopped",
		[][2]string{{"id", id}, {"verdict", string(verdict)}}, escapeXML(message))
}

func (l *TestLogger) TCKilled(id, message string) {
	l.emit(LogLevelEvent, "tc-killed", [][2]string{{"id", id}}, escapeXML(message))
}

func (l *TestLogger) VerdictUpdated(tc string, verdict Verdict) {
	l.emit(LogLevelEvent, "verdict-updated", [][2]string{{"tc", tc}, {"verdict", string(verdict)}}, "")
}

func (l *TestLogger) TemplateMatch(tc, port string, message, template interface{}) {
	body := l.valueToXML(message, "message") + l.valueToXML(describeTemplate(template), "template")
	l.emit(LogLevelMatch, "template-match", [][2]string{{"tc", tc}, {"port", port}}, body)
}

func (l *TestLogger) TemplateMismatch(tc, port string, message, template interface{}, path string) {
	attrs := [][2]string{{"tc", tc}, {"port", port}}
	if path != "" {
		attrs = append(attrs, [2]string{"path", path})
	}
	body := l.valueToXML(message, "message") + l.valueToXML(describeTemplate(template), "template")
	l.emit(LogLevelMismatch, "template-mismatch", attrs, body)
}

func (l *TestLogger) TimeoutBranch(id string) {
	l.emit(LogLevelMatch, "timeout-branch", [][2]string{{"id", id}}, "")
}

func (l *TestLogger) DoneBranch(id string) {
	l.emit(LogLevelMatch, "done-branch", [][2]string{{"id", id}}, "")
}

func (l *TestLogger) KilledBranch(id string) {
	l.emit(LogLevelMatch, "killed-branch", [][2]string{{"id", id}}, "")
}

func (l *TestLogger) SystemSent(tsiPort, label string, payload interface{}, sutAddress string) {
	body := l.valueToXML(label, "label") + l.valueToXML(payload, "payload") + l.valueToXML(sutAddress, "sut-address")
	l.emit(LogLevelSystem, "system-sent", [][2]string{{"tsi-port", tsiPort}}, body)
}

func (l *TestLogger) SystemReceived(tsiPort, label string, payload interface{}, sutAddress string) {
	body := l.valueToXML(label, "label") + l.valueToXML(payload, "payload") + l.valueToXML(sutAddress, "sut-address")
	l.emit(LogLevelSystem, "system-received", [][2]string{{"tsi-port", tsiPort}}, body)
}

func (l *TestLogger) ActionRequested(message string, timeout time.Duration, tc string) {
	l.emit(LogLevelAction, "action-requested",
		[][2]string{{"timeout", formatSeconds(timeout)}, {"tc", tc}},
		l.valueToXML(message, "message"))
}

func (l *TestLogger) ActionCleared(reason, tc string) {
	l.emit(LogLevelAction, "action-cleared", [][2]string{{"tc", tc}, {"reason", reason}}, "")
}

// valueToXML serializes a structured value: records as <r> with named <f>
// fields, lists as <l> with <i> items, choices as <c n="...">, scalars as
// escaped text, with base64 and an encoding attribute when the content is
// not printable.
func (l *TestLogger) valueToXML(v interface{}, element string) string {
	value, encoding := l.serializeValue(v)
	if encoding != "" {
		return fmt.Sprintf(`<%s encoding=%q>%s</%s>`, element, encoding, value, element)
	}
	return fmt.Sprintf(`<%s>%s</%s>`, element, value, element)
}

func (l *TestLogger) serializeValue(v interface{}) (string, string) {
	switch t := v.(type) {
	case nil:
		return "", ""
	case []interface{}:
		var b strings.Builder
		b.WriteString("<l>")
		for _, item := range t {
			b.WriteString(l.valueToXML(item, "i"))
		}
		b.WriteString("</l>")
		return b.String(), ""
	case map[string]interface{}:
		var b strings.Builder
		b.WriteString("<r>")
		for name, value := range t {
			fieldValue, encoding := l.serializeValue(value)
			if encoding != "" {
				fmt.Fprintf(&b, `<f n=%q encoding=%q>%s</f>`, name, encoding, fieldValue)
			} else {
				fmt.Fprintf(&b, `<f n=%q>%s</f>`, name, fieldValue)
			}
		}
		b.WriteString("</r>")
		return b.String(), ""
	case Choice:
		value, encoding := l.serializeValue(t.Value)
		if encoding != "" {
			return fmt.Sprintf(`<c n=%q encoding=%q>%s</c>`, t.Name, encoding, value), ""
		}
		return fmt.Sprintf(`<c n=%q>%s</c>`, t.Name, value), ""
	case []byte:
		if isPrintable(string(t)) {
			return escapeXML(l.truncate(string(t))), ""
		}
		return base64.StdEncoding.EncodeToString(t), "base64"
	case string:
		if isPrintable(t) {
			return escapeXML(l.truncate(t)), ""
		}
		return base64.StdEncoding.EncodeToString([]byte(t)), "base64"
	default:
		return escapeXML(fmt.Sprintf("%v", t)), ""
	}
}

func (l *TestLogger) truncate(s string) string {
	if len(s) <= l.maxPayload {
		return s
	}
	return s[:l.maxPayload] + "..."
}

func isPrintable(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

func escapeXML(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s)) //nolint:errcheck // strings.Builder never fails
	return b.String()
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
