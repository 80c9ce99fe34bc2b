package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"minutesai/internal/ratelimit"
	"minutesai/internal/util"
	"minutesai/pkg/domain"
	"minutesai/services/meeting/internal/app"
)

const defaultMaxChunkBytes = 64 << 20

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxChunkBytes  int64
	// Metrics serves /metrics without authentication when set.
	Metrics http.Handler
}

// Server exposes HTTP endpoints for the meeting service.
type Server struct {
	app           *app.App
	verifier      TokenVerifier
	limiter       *ratelimit.FixedWindowLimiter
	trusted       *util.TrustedProxies
	corsOrigins   []string
	maxChunkBytes int64
	metrics       http.Handler
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier required")
	}
	maxChunk := cfg.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = defaultMaxChunkBytes
	}
	s := &Server{
		app:           cfg.App,
		verifier:      cfg.TokenVerifier,
		limiter:       cfg.Limiter,
		trusted:       cfg.TrustedProxies,
		corsOrigins:   cfg.CORSOrigins,
		maxChunkBytes: maxChunk,
		metrics:       cfg.Metrics,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("meeting", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}

	// recording session
	s.mux.Handle("/sessions", s.withUser(s.handleSessions))
	s.mux.Handle("/sessions/current", s.withUser(s.handleCurrentSession))
	s.mux.Handle("/sessions/current/", s.withUser(s.handleSessionAction))
	s.mux.Handle("/jobs/", s.withUser(s.handleJob))

	// archive
	s.mux.Handle("/meetings", s.withUser(s.handleMeetings))
	s.mux.Handle("/meetings/", s.withUser(s.handleMeetingByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		userID, err := s.verifier.VerifySubject(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

// allow applies the per-user limit for scope and writes 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope, userID string) bool {
	if s.limiter == nil {
		return true
	}
	d := s.limiter.Allow(r.Context(), scope, userID)
	if d.Allowed {
		return true
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	return false
}

// POST /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	snap, err := s.app.StartSession(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GET|DELETE /sessions/current
func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.app.CurrentSession(userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		_ = s.app.DiscardSession(userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	default:
		methodNotAllowed(w)
	}
}

// POST /sessions/current/{action}
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request, userID string) {
	action := strings.TrimPrefix(r.URL.Path, "/sessions/current/")
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	switch action {
	case "acquired":
		s.respondSnapshot(w, r)(s.app.MarkAcquired(ctx, userID))
	case "capture-error":
		var req captureErrorRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		s.respondSnapshot(w, r)(s.app.ReportCaptureError(ctx, userID, req.Kind, req.Message))
	case "chunks":
		s.handleChunk(w, r, userID)
	case "stop":
		s.handleStop(w, r, userID)
	case "recover":
		s.respondSnapshot(w, r)(s.app.RecoverRecording(ctx, userID))
	case "upload":
		s.handleUpload(w, r, userID)
	case "process":
		s.handleProcess(w, r, userID)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request) func(app.Snapshot, error) {
	return func(snap app.Snapshot, err error) {
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(w, r, "chunks", userID) {
		return
	}
	chunk, ok := s.readChunk(w, r)
	if !ok {
		return
	}
	if chunk == nil {
		writeError(w, http.StatusBadRequest, "MEETING_EMPTY_CHUNK", "chunk body is empty")
		return
	}
	index, err := s.app.AppendChunk(r.Context(), userID, *chunk)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"index": index})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID string) {
	final, ok := s.readChunk(w, r)
	if !ok {
		return
	}
	s.respondSnapshot(w, r)(s.app.StopRecording(r.Context(), userID, final))
}

// readChunk reads a raw slice body. It returns nil for an empty body.
func (s *Server) readChunk(w http.ResponseWriter, r *http.Request) (*domain.Chunk, bool) {
	if r.ContentLength > s.maxChunkBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "MEETING_CHUNK_TOO_LARGE", "chunk too large")
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "MEETING_CHUNK_TOO_LARGE", "chunk too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "MEETING_INVALID_REQUEST", "failed to read body")
		return nil, false
	}
	if len(data) == 0 {
		return nil, true
	}
	mimeType := strings.TrimSpace(r.Header.Get("Content-Type"))
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	var duration int64
	if v := strings.TrimSpace(r.Header.Get("X-Chunk-Duration-Ms")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "MEETING_INVALID_REQUEST", "invalid X-Chunk-Duration-Ms")
			return nil, false
		}
		duration = n
	}
	return &domain.Chunk{MimeType: mimeType, DurationMs: duration, Data: data}, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(w, r, "upload", userID) {
		return
	}
	limit := app.MaxUploadBytes + 1<<20
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "MEETING_FILE_TOO_LARGE", "file exceeds the 100 MB limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "MEETING_FILE_TOO_LARGE", "file exceeds the 100 MB limit")
			return
		}
		writeError(w, http.StatusBadRequest, "MEETING_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MEETING_FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()
	s.respondSnapshot(w, r)(s.app.UploadAudio(r.Context(), userID, header.Filename, header.Header.Get("Content-Type"), file, header.Size))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allow(w, r, "process", userID) {
		return
	}
	var req processRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	res, err := s.app.Process(r.Context(), userID, app.ProcessOptions{
		Title:              strings.TrimSpace(req.Title),
		RetryTranscription: req.RetryTranscription,
		RetrySummary:       req.RetrySummary,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if res.Job != nil {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /jobs/{id}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	job, err := s.app.GetJob(r.Context(), userID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /meetings
func (s *Server) handleMeetings(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.ListMeetings(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// /meetings/{id}, /meetings/{id}/minutes, /meetings/{id}/minutes.html
func (s *Server) handleMeetingByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/meetings/")
	id, sub, _ := strings.Cut(path, "/")
	if id == "" {
		notFound(w, "not found")
		return
	}
	ctx := r.Context()
	switch sub {
	case "":
	case "minutes":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		doc, err := s.app.GetMinutes(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	case "minutes.html":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		page, err := s.app.MinutesHTML(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(page)
		return
	default:
		notFound(w, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := s.app.GetMeeting(ctx, userID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		var req editRequest
		if !decodeJSON(w, r, &req, false) {
			return
		}
		edit := app.MinutesEdit{}
		if req.Minutes != nil {
			edit = *req.Minutes
		}
		view, err := s.app.EditMeeting(ctx, userID, id, req.Title, edit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := s.app.DeleteMeeting(ctx, userID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type captureErrorRequest struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type processRequest struct {
	Title              string `json:"title"`
	RetryTranscription bool   `json:"retryTranscription"`
	RetrySummary       bool   `json:"retrySummary"`
}

type editRequest struct {
	Title   *string          `json:"title"`
	Minutes *app.MinutesEdit `json:"minutes"`
}

// decodeJSON reads a small JSON body. With allowEmpty an absent body
// leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "MEETING_INVALID_REQUEST", "invalid JSON body")
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code"`
	Kind      app.ErrorKind `json:"kind,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps application errors to status codes. Pipeline errors
// carry their kind so the client can offer the matching retry.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *app.PipelineError
	if errors.As(err, &pe) {
		status, code := pipelineStatus(pe)
		if status >= http.StatusInternalServerError {
			util.LoggerFromContext(r.Context()).Warn("pipeline error", "kind", pe.Kind, "err", err)
		}
		writeJSON(w, status, errorResponse{
			Error:     pe.Error(),
			Code:      code,
			Kind:      pe.Kind,
			Retryable: pe.Retryable(),
			RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		})
		return
	}

	switch {
	case errors.Is(err, app.ErrNoSession):
		writeError(w, http.StatusNotFound, "MEETING_SESSION_NOT_FOUND", "no active session")
	case errors.Is(err, app.ErrAlreadySaved):
		writeError(w, http.StatusConflict, "MEETING_ALREADY_SAVED", err.Error())
	case errors.Is(err, app.ErrInvalidState), errors.Is(err, app.ErrSessionClosed):
		writeError(w, http.StatusConflict, "MEETING_INVALID_SESSION_STATE", err.Error())
	case errors.Is(err, domain.ErrMeetingNotFound):
		writeError(w, http.StatusNotFound, "MEETING_NOT_FOUND", "meeting not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "MEETING_FORBIDDEN", "forbidden")
	case errors.Is(err, app.ErrNoMinutes):
		writeError(w, http.StatusNotFound, "MEETING_MINUTES_NOT_FOUND", "meeting has no minutes")
	case errors.Is(err, app.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrMissingPointers):
		writeError(w, http.StatusConflict, "MEETING_INVALID_STATUS", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_UNAVAILABLE", "request canceled")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
	}
}

func pipelineStatus(pe *app.PipelineError) (int, string) {
	switch pe.Kind {
	case app.KindValidation:
		switch {
		case errors.Is(pe, app.ErrAudioTooLarge):
			return http.StatusRequestEntityTooLarge, "MEETING_FILE_TOO_LARGE"
		case errors.Is(pe, app.ErrUnsupportedAudio):
			return http.StatusUnsupportedMediaType, "MEETING_UNSUPPORTED_AUDIO_TYPE"
		case errors.Is(pe, app.ErrEmptyTranscript):
			return http.StatusUnprocessableEntity, "MEETING_EMPTY_TRANSCRIPT"
		case errors.Is(pe, app.ErrNoChunks):
			return http.StatusNotFound, "MEETING_NO_CHUNKS"
		}
		return http.StatusBadRequest, "MEETING_INVALID_AUDIO"
	case app.KindCapture:
		return http.StatusUnprocessableEntity, "MEETING_CAPTURE_FAILED"
	case app.KindTranscription:
		return http.StatusBadGateway, "MEETING_TRANSCRIPTION_FAILED"
	case app.KindSummarization:
		return http.StatusBadGateway, "MEETING_SUMMARIZATION_FAILED"
	case app.KindPersistence:
		return http.StatusInternalServerError, "MEETING_SAVE_FAILED"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

