package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorlink/proctorlink/internal/domain"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStartSessionRegisters(t *testing.T) {
	f := newRelayFixture(t)

	resp := postJSON(t, f.srv.URL+"/start-session", map[string]any{
		"sessionId": "sess-1",
		"name":      "Alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	name, _, err := f.store.Session(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
}

func TestStartSessionRequiresID(t *testing.T) {
	f := newRelayFixture(t)

	resp := postJSON(t, f.srv.URL+"/start-session", map[string]any{"name": "Alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogPersistsAndPushesLive(t *testing.T) {
	f := newRelayFixture(t)

	watcher := f.dial(t)
	watcher.join("sess-1", domain.RoleInterviewer, "Bob")

	resp := postJSON(t, f.srv.URL+"/log", domain.IntegrityEvent{
		SessionID: "sess-1",
		Role:      domain.RoleInterviewee,
		Name:      "Alice",
		Type:      domain.EventObjectDetected,
		Detail:    map[string]any{"object": "cell phone"},
		Timestamp: time.Now(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events, err := f.store.EventsBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventObjectDetected, events[0].Type)

	// the watcher sees it on the live timeline too
	for {
		env := watcher.next(domain.MsgEvent)
		var ev domain.IntegrityEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		if ev.Type == domain.EventObjectDetected {
			assert.Equal(t, "Alice", ev.Name)
			break
		}
	}
}

func TestUploadVideoStoresBlobAndLinksSession(t *testing.T) {
	f := newRelayFixture(t)
	require.NoError(t, f.store.UpsertSession(context.Background(), "sess-1", "Alice"))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("sessionId", "sess-1"))
	part, err := w.CreateFormFile("video", "recording.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte("webm-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, err := http.Post(f.srv.URL+"/upload-video", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Path)

	_, video, err := f.store.Session(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, out.Path, video)

	rc, err := f.blobs.Read(context.Background(), out.Path)
	require.NoError(t, err)
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("webm-bytes"), blob)
}

func TestUploadVideoRequiresSessionAndFile(t *testing.T) {
	f := newRelayFixture(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("sessionId", "sess-1"))
	require.NoError(t, w.Close())

	resp, err := http.Post(f.srv.URL+"/upload-video", w.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportAggregatesSession(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertSession(ctx, "sess-1", "Alice"))
	for _, typ := range []domain.EventType{
		domain.EventObjectDetected,
		domain.EventObjectDetected,
		domain.EventNoFace,
	} {
		require.NoError(t, f.store.InsertEvent(ctx, domain.IntegrityEvent{
			SessionID: "sess-1",
			Role:      domain.RoleInterviewee,
			Name:      "Alice",
			Type:      typ,
			Timestamp: time.Now(),
		}))
	}

	resp, err := http.Get(f.srv.URL + "/report/sess-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, domain.SessionID("sess-1"), rep.SessionID)
	assert.Equal(t, "Alice", rep.Candidate)
	assert.Equal(t, 2, rep.Counts[domain.EventObjectDetected])
	assert.Equal(t, 1, rep.Counts[domain.EventNoFace])
	assert.Equal(t, 75, rep.Integrity)
	assert.Len(t, rep.Events, 3)
}

func TestReportUnknownSession(t *testing.T) {
	f := newRelayFixture(t)

	resp, err := http.Get(f.srv.URL + "/report/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyzeFrameWithoutBackends(t *testing.T) {
	f := newRelayFixture(t)

	resp := postJSON(t, f.srv.URL+"/analyze-frame", map[string]any{
		"sessionId": "sess-1",
		"image":     "data:image/jpeg;base64,aGk=",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
