package wsserver

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoInterviewAnalyzer/internal/audit"
	"GoInterviewAnalyzer/internal/classifier"
	"GoInterviewAnalyzer/internal/pipeline"
	"GoInterviewAnalyzer/internal/protocol"
	"GoInterviewAnalyzer/internal/session"
	"GoInterviewAnalyzer/internal/wsclient"
)

func newTestServer(t *testing.T) (*Server, *pipeline.Analyzer, string) {
	t.Helper()
	dir := t.TempDir()
	auditLog, err := audit.OpenLogger(filepath.Join(dir, "feedback_log.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })
	files, err := audit.NewFileSummaryStore(filepath.Join(dir, "summaries"))
	require.NoError(t, err)

	analyzer := pipeline.New(pipeline.Deps{
		Registry:  session.NewRegistry(session.DefaultOptions()),
		Emotions:  classifier.NewScripted(classifier.Emotions("calm", "confident"), nil),
		Postures:  classifier.NewScripted(nil, classifier.Postures(classifier.LabelUpright)),
		Audit:     auditLog,
		Summaries: audit.NewSummaryWriter(files),
	}, pipeline.DefaultOptions())

	srv := New(DefaultConfig(), analyzer)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		httpSrv.Close()
	})
	return srv, analyzer, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func connect(t *testing.T, url string) (*wsclient.Client, chan *protocol.Envelope) {
	t.Helper()
	events := make(chan *protocol.Envelope, 64)
	c := wsclient.New(wsclient.DefaultClientConfig(url))
	c.SetEventHandler(func(env *protocol.Envelope) { events <- env })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, events
}

func next(t *testing.T, events chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-events:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func jpegFrame(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 16, 16)), nil))
	return buf.Bytes()
}

func TestServer_SessionFlow(t *testing.T) {
	_, _, url := newTestServer(t)
	c, events := connect(t, url)

	require.NoError(t, c.StartSession())
	env := next(t, events)
	require.Equal(t, protocol.EventSessionStarted, env.Event)
	require.Eventually(t, func() bool { return c.SessionID() != "" }, time.Second, 10*time.Millisecond)

	frame := jpegFrame(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendFrame(frame))
		env = next(t, events)
		require.Equal(t, protocol.EventFeedback, env.Event)
	}
	var fb protocol.FeedbackPayload
	require.NoError(t, json.Unmarshal(env.Data, &fb))
	assert.Equal(t, "calm", fb.Emotion)
	assert.Equal(t, classifier.LabelUpright, fb.Posture)
	assert.True(t, fb.SessionActive)
	assert.InDelta(t, 100.0, fb.EmotionTrend["calm"]+fb.EmotionTrend["confident"], 0.01)

	require.NoError(t, c.EndSession())
	env = next(t, events)
	require.Equal(t, protocol.EventSessionSummary, env.Event)
	var summary session.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, c.SessionID(), summary.SessionID)
	assert.Equal(t, 3, summary.TotalFramesAnalyzed)

	// 结束后的帧被静默丢弃，下一条收到的是新会话的 session_started
	require.NoError(t, c.SendFrame(frame))
	require.NoError(t, c.EndSession())
	require.NoError(t, c.StartSession())
	env = next(t, events)
	assert.Equal(t, protocol.EventSessionStarted, env.Event)
}

func TestServer_MalformedInput(t *testing.T) {
	_, _, url := newTestServer(t)
	c, events := connect(t, url)

	cases := map[string]struct {
		raw  string
		code string
	}{
		"not json":      {`{{{`, protocol.CodeInvalidPayload},
		"unknown event": {`{"event":"dance"}`, protocol.CodeUnknownEvent},
		"missing image": {`{"event":"frame","data":{}}`, protocol.CodeInvalidPayload},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.SendRaw([]byte(tc.raw)))
			env := next(t, events)
			require.Equal(t, protocol.EventError, env.Event)
			var p protocol.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Data, &p))
			assert.Equal(t, tc.code, p.Code)
		})
	}

	require.NoError(t, c.StartSession())
	next(t, events)
	require.NoError(t, c.SendRaw([]byte(`{"event":"frame","data":{"image":"data:image/jpeg;base64,AAAA"}}`)))
	env := next(t, events)
	require.Equal(t, protocol.EventError, env.Event)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, protocol.CodeDecodeError, p.Code)
}

func TestServer_DisconnectRemovesSession(t *testing.T) {
	srv, analyzer, url := newTestServer(t)
	c, events := connect(t, url)

	require.NoError(t, c.StartSession())
	next(t, events)
	require.Equal(t, 1, analyzer.Registry().ActiveCount())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return analyzer.Registry().Len() == 0 && srv.ConnectionCount() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_LargeFrameUnderCapKeepsConnection(t *testing.T) {
	_, analyzer, url := newTestServer(t)
	c, events := connect(t, url)

	require.NoError(t, c.StartSession())
	require.Equal(t, protocol.EventSessionStarted, next(t, events).Event)
	require.Eventually(t, func() bool { return c.SessionID() != "" }, time.Second, 10*time.Millisecond)
	sessionID := c.SessionID()

	// 3.5 MiB 的损坏 JPEG：低于单帧上限，base64 后超过 4 MiB
	frame := make([]byte, 3*1024*1024+512*1024)
	copy(frame, []byte{0xFF, 0xD8, 0xFF})
	require.Less(t, len(frame), protocol.MaxFrameSize)
	require.NoError(t, c.SendFrame(frame))

	env := next(t, events)
	require.Equal(t, protocol.EventError, env.Event)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, protocol.CodeDecodeError, p.Code)

	// 连接与会话都保留
	assert.Equal(t, 1, analyzer.Registry().ActiveCount())
	assert.Equal(t, 0, c.Reconnects())

	require.NoError(t, c.EndSession())
	env = next(t, events)
	require.Equal(t, protocol.EventSessionSummary, env.Event)
	var summary session.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, sessionID, summary.SessionID)
	assert.Equal(t, 0, summary.TotalFramesAnalyzed)
}
