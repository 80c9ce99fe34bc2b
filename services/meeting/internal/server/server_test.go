package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"minutesai/internal/metrics"
	"minutesai/internal/ratelimit"
	"minutesai/internal/usertoken"
	"minutesai/pkg/domain"
	"minutesai/pkg/scratch"
	"minutesai/pkg/storage"
	"minutesai/pkg/store"
	"minutesai/services/meeting/internal/app"
)

const (
	testSecret  = "0123456789abcdef0123456789abcdef"
	minutesJSON = `{"title":"Weekly sync","date":"2026-10-12","participants":["Ana","Ben"],"agenda":[],"keyPoints":["Launch slips"],"decisions":["Ship on the 20th"],"actionItems":[{"task":"Update plan","owner":"Ana"}],"nextSteps":[]}`
)

type stubTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(context.Context, domain.Audio) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.err
}

type stubGenerator struct{}

func (stubGenerator) GenerateText(context.Context, string, string) (string, error) {
	return minutesJSON, nil
}

type testServer struct {
	handler     http.Handler
	transcriber *stubTranscriber
	objects     *storage.MemoryStore
}

func newTestServer(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *testServer {
	t.Helper()
	tr := &stubTranscriber{text: "Ana: the launch slips a week."}
	objects := storage.NewMemoryStore()
	reg := prometheus.NewRegistry()
	core, err := app.New(app.Config{
		Store:       store.NewMemoryStore(),
		Objects:     objects,
		Scratch:     scratch.NewMemoryScratch(0),
		Transcriber: tr,
		Generator:   stubGenerator{},
		Metrics:     metrics.NewPipeline(reg),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(core.Close)
	verifier, err := usertoken.NewVerifier(context.Background(), usertoken.Config{HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv, err := New(Config{
		App:           core,
		TokenVerifier: verifier,
		Limiter:       limiter,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{handler: srv.Router(), transcriber: tr, objects: objects}
}

func userToken(t *testing.T, sub string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "minutesai-auth",
		Audience:  jwt.ClaimStrings{"minutesai-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type request struct {
	method  string
	path    string
	token   string
	body    io.Reader
	headers map[string]string
}

func (ts *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(req.method, req.path, req.body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, request{method: http.MethodGet, path: "/healthz"})
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestMetricsExposePipelineCounters(t *testing.T) {
	ts := newTestServer(t, nil)
	token := userToken(t, "user-1")
	for _, step := range []request{
		{method: http.MethodPost, path: "/sessions", token: token},
		{method: http.MethodPost, path: "/sessions/current/acquired", token: token},
		{method: http.MethodPost, path: "/sessions/current/chunks", token: token, body: strings.NewReader("slice"), headers: map[string]string{"Content-Type": "audio/webm"}},
		{method: http.MethodPost, path: "/sessions/current/stop", token: token},
		{method: http.MethodPost, path: "/sessions/current/process", token: token},
	} {
		if rec := ts.do(t, step); rec.Code >= 300 {
			t.Fatalf("%s %s: %d %s", step.method, step.path, rec.Code, rec.Body.String())
		}
	}

	rec := ts.do(t, request{method: http.MethodGet, path: "/metrics"})
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{
		"meeting_chunks_total 1",
		"meeting_chunk_bytes_total 5",
		`meeting_records_saved_total{status="completed"} 1`,
		`meeting_stage_runs_total{outcome="ok",stage="transcribe"} 1`,
		`meeting_stage_runs_total{outcome="ok",stage="summarize"} 1`,
		"meeting_active_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, request{method: http.MethodGet, path: "/meetings"})
	expectStatus(t, rec, http.StatusUnauthorized)
	body := decode[errorResponse](t, rec)
	if body.Code != "AUTH_INVALID_TOKEN" || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings", token: "not-a-jwt"})
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestRecordProcessAndManageMeeting(t *testing.T) {
	ts := newTestServer(t, nil)
	token := userToken(t, "user-1")

	rec := ts.do(t, request{method: http.MethodPost, path: "/sessions", token: token})
	expectStatus(t, rec, http.StatusCreated)
	if snap := decode[app.Snapshot](t, rec); snap.State != app.StateAcquiring {
		t.Fatalf("expected acquiring, got %s", snap.State)
	}
	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/acquired", token: token})
	expectStatus(t, rec, http.StatusOK)

	for i, part := range []string{"slice-one", "slice-two"} {
		rec = ts.do(t, request{
			method: http.MethodPost, path: "/sessions/current/chunks", token: token,
			body:    strings.NewReader(part),
			headers: map[string]string{"Content-Type": "audio/webm;codecs=opus", "X-Chunk-Duration-Ms": "300000"},
		})
		expectStatus(t, rec, http.StatusAccepted)
		if got := decode[map[string]int](t, rec)["index"]; got != i {
			t.Fatalf("expected index %d, got %d", i, got)
		}
	}
	rec = ts.do(t, request{
		method: http.MethodPost, path: "/sessions/current/stop", token: token,
		body:    strings.NewReader("tail"),
		headers: map[string]string{"Content-Type": "audio/webm;codecs=opus", "X-Chunk-Duration-Ms": "120000"},
	})
	expectStatus(t, rec, http.StatusOK)
	snap := decode[app.Snapshot](t, rec)
	if snap.State != app.StateStopped || snap.Audio == nil || snap.Audio.DurationMs != 720000 {
		t.Fatalf("unexpected snapshot after stop %+v", snap)
	}

	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/process", token: token, body: strings.NewReader(`{"title":"Weekly sync"}`)})
	expectStatus(t, rec, http.StatusCreated)
	res := decode[app.ProcessResult](t, rec)
	if res.Meeting == nil || res.Meeting.Status != domain.StatusCompleted || res.Meeting.AudioURL == "" {
		t.Fatalf("unexpected process result %+v", res)
	}
	id := res.Meeting.ID

	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/process", token: token, body: strings.NewReader(`{"retrySummary":true}`)})
	expectStatus(t, rec, http.StatusConflict)
	if body := decode[errorResponse](t, rec); body.Code != "MEETING_ALREADY_SAVED" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings", token: token})
	expectStatus(t, rec, http.StatusOK)
	if list := decode[struct{ Count int }](t, rec); list.Count != 1 {
		t.Fatalf("expected one meeting, got %d", list.Count)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings/" + id + "/minutes", token: token})
	expectStatus(t, rec, http.StatusOK)
	if doc := decode[domain.Minutes](t, rec); len(doc.Decisions) != 1 || doc.Transcript == "" {
		t.Fatalf("unexpected minutes %+v", doc)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings/" + id + "/minutes.html", token: token})
	expectStatus(t, rec, http.StatusOK)
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") || !strings.Contains(rec.Body.String(), "Ship on the 20th") {
		t.Fatalf("unexpected html export %q", rec.Body.String())
	}

	rec = ts.do(t, request{method: http.MethodPatch, path: "/meetings/" + id, token: token, body: strings.NewReader(`{"title":"Renamed","minutes":{"nextSteps":["Follow up"]}}`)})
	expectStatus(t, rec, http.StatusOK)
	if view := decode[app.MeetingView](t, rec); view.Title != "Renamed" {
		t.Fatalf("expected renamed meeting, got %q", view.Title)
	}

	other := userToken(t, "user-2")
	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings/" + id, token: other})
	expectStatus(t, rec, http.StatusForbidden)

	rec = ts.do(t, request{method: http.MethodDelete, path: "/meetings/" + id, token: token})
	expectStatus(t, rec, http.StatusOK)
	rec = ts.do(t, request{method: http.MethodDelete, path: "/meetings/" + id, token: token})
	expectStatus(t, rec, http.StatusOK)
	rec = ts.do(t, request{method: http.MethodGet, path: "/meetings/" + id, token: token})
	expectStatus(t, rec, http.StatusNotFound)
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadAndTranscriptionFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.transcriber.err = errors.New("provider returned 500")
	token := userToken(t, "user-1")

	body, ct := multipartBody(t, "standup.mp3", "audio/mpeg", []byte("mp3-bytes"))
	rec := ts.do(t, request{method: http.MethodPost, path: "/sessions/current/upload", token: token, body: body, headers: map[string]string{"Content-Type": ct}})
	expectStatus(t, rec, http.StatusOK)
	if snap := decode[app.Snapshot](t, rec); snap.State != app.StateStopped || snap.Audio.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected snapshot after upload %+v", snap)
	}

	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/process", token: token})
	expectStatus(t, rec, http.StatusBadGateway)
	errBody := decode[errorResponse](t, rec)
	if errBody.Code != "MEETING_TRANSCRIPTION_FAILED" || errBody.Kind != app.KindTranscription || !errBody.Retryable {
		t.Fatalf("unexpected error body %+v", errBody)
	}
	if !strings.HasPrefix(errBody.Error, "Transcription failed") {
		t.Fatalf("unexpected message %q", errBody.Error)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/sessions/current", token: token})
	expectStatus(t, rec, http.StatusOK)
	if snap := decode[app.Snapshot](t, rec); snap.Error == nil || snap.Error.Kind != app.KindTranscription {
		t.Fatalf("expected error on session, got %+v", snap.Error)
	}
}

func TestUploadTooLargeRejectedUpFront(t *testing.T) {
	ts := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodPost, "/sessions/current/upload", strings.NewReader("x"))
	r.ContentLength = 150 << 20
	r.Header.Set("Authorization", "Bearer "+userToken(t, "user-1"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)

	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
	if body := decode[errorResponse](t, rec); !strings.Contains(body.Error, "100 MB") {
		t.Fatalf("expected limit in message, got %q", body.Error)
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, "notes.txt", "text/plain", []byte("hello"))
	rec := ts.do(t, request{method: http.MethodPost, path: "/sessions/current/upload", token: userToken(t, "user-1"), body: body, headers: map[string]string{"Content-Type": ct}})
	expectStatus(t, rec, http.StatusUnsupportedMediaType)
}

func TestSessionErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	token := userToken(t, "user-1")

	rec := ts.do(t, request{method: http.MethodPost, path: "/sessions/current/process", token: token})
	expectStatus(t, rec, http.StatusNotFound)
	if body := decode[errorResponse](t, rec); body.Code != "MEETING_SESSION_NOT_FOUND" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	ts.do(t, request{method: http.MethodPost, path: "/sessions", token: token})
	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/chunks", token: token, body: strings.NewReader("x")})
	expectStatus(t, rec, http.StatusConflict)

	body, ct := multipartBody(t, "standup.webm", "audio/webm", []byte("webm-bytes"))
	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/upload", token: token, body: body, headers: map[string]string{"Content-Type": ct}})
	expectStatus(t, rec, http.StatusConflict)
	if body := decode[errorResponse](t, rec); body.Code != "MEETING_INVALID_SESSION_STATE" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	rec = ts.do(t, request{method: http.MethodPost, path: "/sessions/current/capture-error", token: token, body: strings.NewReader(`{"kind":"device_not_found"}`)})
	expectStatus(t, rec, http.StatusOK)
	if snap := decode[app.Snapshot](t, rec); snap.State != app.StateError || snap.Error == nil {
		t.Fatalf("expected error state, got %+v", snap)
	}

	rec = ts.do(t, request{method: http.MethodDelete, path: "/sessions/current", token: token})
	expectStatus(t, rec, http.StatusOK)
	rec = ts.do(t, request{method: http.MethodGet, path: "/sessions/current", token: token})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestChunkRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ts := newTestServer(t, limiter)
	token := userToken(t, "user-1")
	ts.do(t, request{method: http.MethodPost, path: "/sessions", token: token})
	ts.do(t, request{method: http.MethodPost, path: "/sessions/current/acquired", token: token})

	chunk := func() *httptest.ResponseRecorder {
		return ts.do(t, request{method: http.MethodPost, path: "/sessions/current/chunks", token: token, body: strings.NewReader("slice"), headers: map[string]string{"Content-Type": "audio/webm"}})
	}
	expectStatus(t, chunk(), http.StatusAccepted)
	rec := chunk()
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestJobLookupWithoutQueue(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, request{method: http.MethodGet, path: "/jobs/job-1", token: userToken(t, "user-1")})
	expectStatus(t, rec, http.StatusNotFound)
}
