package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testerman/testerman/internal/node"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"github.com/testerman/testerman/pkg/tmsg"
)

// xcSubscriber is a websocket client on the Xc endpoint, collecting every
// notification the server pushes.
type xcSubscriber struct {
	t      *testing.T
	client *node.Client
	notifs chan *tmsg.Message
}

func newXcSubscriber(t *testing.T, ts *testServer) *xcSubscriber {
	t.Helper()
	s := &xcSubscriber{t: t, notifs: make(chan *tmsg.Message, 32)}
	s.client = node.NewClient(ts.wsURL()+"/xc", tmsg.ProtocolXc, "xc-test/1.0", &node.Handlers{
		OnNotification: func(_ context.Context, _ *node.Channel, notif *tmsg.Message) {
			s.notifs <- notif
		},
	}, newTestLogger(t))
	require.NoError(t, s.client.Connect(context.Background()))
	t.Cleanup(s.client.Close)
	return s
}

func (s *xcSubscriber) send(method, uri string, payload interface{}) {
	s.t.Helper()
	notif, err := tmsg.NewNotification(method, uri, payload)
	require.NoError(s.t, err)
	require.NoError(s.t, s.client.SendNotification(notif))
}

// flush waits until the server has processed everything previously sent on
// this channel. The endpoint answers any request with 505, and traffic is
// handled in arrival order, so the response proves earlier notifications
// went through.
func (s *xcSubscriber) flush() {
	s.t.Helper()
	req, err := tmsg.NewRequest("PING", "system:server", nil)
	require.NoError(s.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.client.ExecuteRequest(ctx, req, 2*time.Second)
	require.NoError(s.t, err)
	require.Equal(s.t, tmsg.StatusUnsupportedMethod, resp.Status)
}

func (s *xcSubscriber) subscribe(uris ...string) {
	s.t.Helper()
	for _, uri := range uris {
		s.send(tmsg.MethodSubscribe, uri, nil)
	}
	s.flush()
}

func (s *xcSubscriber) wait() *tmsg.Message {
	s.t.Helper()
	select {
	case notif := <-s.notifs:
		return notif
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a notification")
		return nil
	}
}

func (s *xcSubscriber) expectSilence() {
	s.t.Helper()
	select {
	case notif := <-s.notifs:
		s.t.Fatalf("unexpected notification: %s %s", notif.Method, notif.URI)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerXcDeliversJobEvents(t *testing.T) {
	ts := newTestServer(t)
	sub := newXcSubscriber(t, ts)
	sub.subscribe("job:1", "system:jobs")

	ts.submitATS("sample.ats", "pass\n")

	// One state change, mirrored on both channels: the job's own first,
	// then system:jobs.
	direct := sub.wait()
	assert.Equal(t, tmsg.MethodJobEvent, direct.Method)
	assert.Equal(t, "job:1", direct.URI)
	var payload map[string]interface{}
	require.NoError(t, direct.ParsePayload(&payload))
	assert.EqualValues(t, 1, payload["id"])
	assert.Equal(t, string(v1.JobStateWaiting), payload["state"])

	mirror := sub.wait()
	assert.Equal(t, tmsg.MethodJobEvent, mirror.Method)
	assert.Equal(t, "system:jobs", mirror.URI)

	status, _ := ts.request(http.MethodPost, "/api/v1/jobs/1/signal",
		v1.SendSignalRequest{Signal: v1.SignalCancel})
	require.Equal(t, http.StatusOK, status)

	cancelled := sub.wait()
	require.NoError(t, cancelled.ParsePayload(&payload))
	assert.Equal(t, "job:1", cancelled.URI)
	assert.Equal(t, string(v1.JobStateCancelled), payload["state"])
	sub.wait() // system:jobs mirror
}

func TestServerXcUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t)
	sub := newXcSubscriber(t, ts)
	sub.subscribe("system:jobs")

	ts.submitATS("first.ats", "pass\n")
	assert.Equal(t, "system:jobs", sub.wait().URI)

	sub.send(tmsg.MethodUnsubscribe, "system:jobs", nil)
	sub.flush()

	ts.submitATS("second.ats", "pass\n")
	sub.expectSilence()
}

func TestServerXcMessageRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	sender := newXcSubscriber(t, ts)
	receiver := newXcSubscriber(t, ts)
	sender.subscribe("chat:room1")
	receiver.subscribe("chat:room1")

	sender.send(tmsg.MethodMessage, "chat:room1", map[string]string{"hello": "world"})

	for _, sub := range []*xcSubscriber{sender, receiver} {
		notif := sub.wait()
		assert.Equal(t, tmsg.MethodMessage, notif.Method)
		assert.Equal(t, "chat:room1", notif.URI)
		var got map[string]string
		require.NoError(t, notif.ParsePayload(&got))
		assert.Equal(t, map[string]string{"hello": "world"}, got)
	}
}

func TestServerIlLogPipeline(t *testing.T) {
	ts := newTestServer(t)
	sub := newXcSubscriber(t, ts)
	sub.subscribe("job:7")

	te := node.NewClient(ts.wsURL()+"/il", tmsg.ProtocolIl, "te-test/1.0", nil, newTestLogger(t))
	require.NoError(t, te.Connect(context.Background()))
	t.Cleanup(te.Close)

	target := filepath.Join(ts.docroot, "archives", "suite", "sample.ats", "run.log")
	sendLog := func(element string, headers map[string]string) {
		t.Helper()
		notif, err := tmsg.NewNotification(tmsg.MethodLog, "job:7", element)
		require.NoError(t, err)
		for name, value := range headers {
			notif.SetHeader(name, value)
		}
		require.NoError(t, te.SendNotification(notif))
	}

	sendLog("<user>hello</user>", map[string]string{
		tmsg.HeaderLogFilename:  target,
		tmsg.HeaderLogClass:     "user",
		tmsg.HeaderLogTimestamp: "1700000000.250000",
	})

	notif := sub.wait()
	assert.Equal(t, tmsg.MethodLog, notif.Method)
	assert.Equal(t, "job:7", notif.URI)
	var element string
	require.NoError(t, notif.ParsePayload(&element))
	assert.Equal(t, "<user>hello</user>", element)
	assert.Equal(t, "user", notif.GetHeader(tmsg.HeaderLogClass))
	assert.Equal(t, "/archives/suite/sample.ats/run.log", notif.GetHeader(tmsg.HeaderLogFilename))
	seconds, err := strconv.ParseFloat(notif.GetHeader(tmsg.HeaderLogTimestamp), 64)
	require.NoError(t, err)
	assert.InDelta(t, 1700000000.25, seconds, 0.001)

	// The event reached the archive before it was redistributed.
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "<user>hello</user>\n", string(content))

	t.Run("events without a target file are dropped", func(t *testing.T) {
		sendLog("<user>lost</user>", nil)
		sendLog("<user>kept</user>", map[string]string{tmsg.HeaderLogFilename: target})

		notif := sub.wait()
		var element string
		require.NoError(t, notif.ParsePayload(&element))
		assert.Equal(t, "<user>kept</user>", element)
		sub.expectSilence()
	})

	t.Run("non-string payloads are dropped", func(t *testing.T) {
		notif, err := tmsg.NewNotification(tmsg.MethodLog, "job:7", map[string]int{"bogus": 1})
		require.NoError(t, err)
		notif.SetHeader(tmsg.HeaderLogFilename, target)
		require.NoError(t, te.SendNotification(notif))

		sendLog("<user>after</user>", map[string]string{tmsg.HeaderLogFilename: target})
		var element string
		require.NoError(t, sub.wait().ParsePayload(&element))
		assert.Equal(t, "<user>after</user>", element)
	})
}
