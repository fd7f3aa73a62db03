// Package server exposes the streaming transcription service over HTTP: the
// websocket audio endpoint, the post-meeting REST operations, health probes,
// and the Prometheus scrape handler.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minutehq/minute/internal/diarize"
	"github.com/minutehq/minute/internal/health"
	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/store"
	"github.com/minutehq/minute/internal/stream"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/vad"
	"github.com/minutehq/minute/pkg/storage"
)

// Config tunes the server-side pipeline.
type Config struct {
	// RecordingEnabled gates chunked audio capture.
	RecordingEnabled bool

	// Stream configures each session's transcription manager.
	Stream stream.Config

	// Record configures each meeting's recorder.
	Record record.Config
}

// Deps are the collaborators the server routes between.
type Deps struct {
	Store    store.Store
	Backend  storage.Backend
	Detector vad.Detector

	// Transcriber may be nil when no credential is configured; streaming
	// sessions are then refused with GROQ_KEY_REQUIRED.
	Transcriber asr.Transcriber

	Finalizer *record.Finalizer
	Diarizer  *diarize.Service

	// HealthCheckers feed the /readyz probe.
	HealthCheckers []health.Checker

	Log     *slog.Logger
	Metrics *observe.Metrics
}

// Server routes websocket sessions and REST calls onto the pipeline.
type Server struct {
	cfg     Config
	store   store.Store
	backend storage.Backend

	transcriber asr.Transcriber
	finalizer   *record.Finalizer
	diarizer    *diarize.Service
	probes      *health.Handler

	runtime *Runtime
	log     *slog.Logger
	metrics *observe.Metrics
}

// New wires a server from its dependencies.
func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		backend:     deps.Backend,
		transcriber: deps.Transcriber,
		finalizer:   deps.Finalizer,
		diarizer:    deps.Diarizer,
		probes:      health.New("minute", deps.HealthCheckers...),
		log:         log,
		metrics:     metrics,
	}
	s.runtime = NewRuntime(
		func(sessionID string) *stream.Manager {
			return stream.NewManager(deps.Transcriber, deps.Detector, cfg.Stream,
				log.With("session_id", sessionID), metrics)
		},
		func(meetingID string) *record.Recorder {
			return record.NewRecorder(meetingID, deps.Backend, cfg.Record, log, metrics)
		},
	)
	return s
}

// Handler returns the full route table wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/streaming-audio", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.probes.Register(mux)

	mux.HandleFunc("POST /api/meetings/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /api/meetings/{id}/diarize", s.handleDiarize)
	mux.HandleFunc("GET /api/meetings/{id}/segments", s.handleListSegments)
	mux.HandleFunc("GET /api/meetings/{id}/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("GET /api/meetings/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /api/meetings/{id}/versions/{num}", s.handleGetVersion)
	mux.HandleFunc("DELETE /api/meetings/{id}/versions/{num}", s.handleDeleteVersion)

	return observe.Middleware(s.metrics)(mux)
}

// handleStream accepts one websocket connection and runs it as a session.
// An unknown session id starts a new session; a known one resumes it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	meetingID := q.Get("meeting_id")
	if meetingID == "" {
		meetingID = sessionID
	}
	userEmail := q.Get("user_email")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ctx := r.Context()

	if s.transcriber == nil {
		frame, _ := json.Marshal(newErrorFrame(string(stream.CodeKeyRequired),
			"no transcription credential configured", time.Now()))
		_ = conn.Write(ctx, websocket.MessageText, frame)
		_ = conn.Close(websocket.StatusPolicyViolation, "transcription credential required")
		return
	}

	if err := s.store.UpsertMeeting(ctx, store.Meeting{ID: meetingID, UserEmail: userEmail}); err != nil {
		s.log.Warn("meeting upsert failed", "meeting_id", meetingID, "error", err)
	}

	manager, resumed := s.runtime.AcquireSession(sessionID)
	var rec *record.Recorder
	if s.cfg.RecordingEnabled {
		rec = s.runtime.GetOrCreateRecorder(meetingID)
		rec.Start(ctx)
	}

	s.log.Info("session opened",
		"session_id", sessionID, "meeting_id", meetingID, "resumed", resumed)
	newWSSession(s, conn, sessionID, meetingID, userEmail, manager, rec).run(ctx)
}

// handleFinalize merges chunks into recording.wav for a meeting on demand.
// Sessions do this automatically at close; the endpoint covers crashed or
// never-closed sessions.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")
	res := s.finalizer.Finalize(r.Context(), meetingID)

	status := http.StatusOK
	switch res.Status {
	case record.StatusNoRecording:
		status = http.StatusNotFound
	case record.StatusCompleted:
	default:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, res)
}

// diarizeRequest optionally overrides the configured provider and credential
// for one run.
type diarizeRequest struct {
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// handleDiarize runs the speaker attribution pipeline synchronously and
// returns the result.
func (s *Server) handleDiarize(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")

	var req diarizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res := s.diarizer.Run(r.Context(), meetingID, nil, req.Provider, req.APIKey)
	status := http.StatusOK
	switch res.Status {
	case diarize.StatusDisabled:
		status = http.StatusServiceUnavailable
	case diarize.StatusFailed:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, res)
}

// handleListSegments returns the live transcript rows for a meeting.
func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := s.store.ListLiveSegments(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if segs == nil {
		segs = []store.LiveSegment{}
	}
	s.writeJSON(w, http.StatusOK, segs)
}

// handleRecordingStatus reports the active recorder's progress, or
// active=false when nothing is recording for the meeting.
func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.runtime.Recorder(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusOK, record.Status{})
		return
	}
	s.writeJSON(w, http.StatusOK, rec.Status())
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if versions == nil {
		versions = []store.VersionInfo{}
	}
	s.writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.Error(w, "version must be an integer", http.StatusBadRequest)
		return
	}
	content, err := s.store.GetVersionContent(r.Context(), r.PathValue("id"), version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "version not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.Error(w, "version must be an integer", http.StatusBadRequest)
		return
	}
	deleted, err := s.store.DeleteVersion(r.Context(), r.PathValue("id"), version)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "version not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}
