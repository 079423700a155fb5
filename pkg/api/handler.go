// Package api is the local control surface for the capture core: the
// UI layer drives sessions, streams audio chunks, and inspects the
// queue through it. Components arrive via explicit construction, never
// a global registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/capture"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/config"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/faults"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/models"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/queue"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/syncer"
	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/tier"
)

// EngineFactory builds a capture engine for an assigned tier. The
// daemon injects platform permission and amplitude sources here.
type EngineFactory func(t models.Tier) (*capture.Engine, error)

type session struct {
	ID         string
	Assignment *tier.Assignment
	Engine     *capture.Engine // nil when capture is unsupported
	createdAt  time.Time
}

type Handlers struct {
	cfg          *config.Config
	store        queue.Store
	orchestrator *syncer.Orchestrator
	newEngine    EngineFactory
	captureCheck tier.CaptureCheck
	logger       *zap.Logger

	sessions *sessionRegistry
}

func NewHandlers(cfg *config.Config, store queue.Store, orch *syncer.Orchestrator,
	factory EngineFactory, check tier.CaptureCheck, logger *zap.Logger) *Handlers {
	return &Handlers{
		cfg:          cfg,
		store:        store,
		orchestrator: orch,
		newEngine:    factory,
		captureCheck: check,
		logger:       logger,
		sessions:     newSessionRegistry(),
	}
}

// Router mounts all control routes.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", h.CreateSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.GetSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/start", h.engineAction(startAction)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/pause", h.engineAction(pauseAction)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/resume", h.engineAction(resumeAction)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/stop", h.engineAction(stopAction)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/discard", h.engineAction(discardAction)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/finalize", h.FinalizeHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/stream", h.StreamHandler)
	r.HandleFunc("/attachments", h.AttachmentHandler).Methods(http.MethodPost)
	r.HandleFunc("/queue", h.ListQueueHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/{key}", h.GetEntryHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/{key}", h.DeleteEntryHandler).Methods(http.MethodDelete)
	r.HandleFunc("/sync/kick", h.KickHandler).Methods(http.MethodPost)
	return r
}

type createSessionRequest struct {
	// Snapshot comes from the external capability probe. Nil means the
	// probe timed out and local fallback detection runs instead.
	Snapshot *models.EnvironmentSnapshot `json:"snapshot,omitempty"`
}

type sessionResponse struct {
	SessionID      string      `json:"session_id"`
	Tier           models.Tier `json:"tier"`
	CaptureAllowed bool        `json:"capture_allowed"`
	State          string      `json:"state,omitempty"`
}

// CreateSessionHandler classifies the snapshot once and freezes the
// tier for the session lifetime.
func (h *Handlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body is a valid "no probe" request.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid session request", http.StatusBadRequest)
			return
		}
	}

	var snap models.EnvironmentSnapshot
	if req.Snapshot != nil {
		snap = *req.Snapshot
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Capture.ProbeTimeout)
		snap = tier.FallbackSnapshot(ctx, h.captureCheck)
		cancel()
	}

	assignment := tier.Assign(snap)
	sess := &session{
		ID:         uuid.New().String(),
		Assignment: assignment,
	}

	// Tier gates features, not states: an engine exists whenever the
	// capture primitive does. Without one, manual attachment is the
	// only enqueue route.
	if snap.MediaCaptureSupported {
		engine, err := h.newEngine(assignment.Tier())
		if err != nil {
			h.logger.Error("engine construction failed", zap.Error(err))
			http.Error(w, "failed to prepare recorder", http.StatusInternalServerError)
			return
		}
		sess.Engine = engine
	}

	h.sessions.put(sess)
	h.logger.Info("session created",
		zap.String("session", sess.ID),
		zap.String("tier", string(assignment.Tier())),
		zap.Bool("capture", sess.Engine != nil))

	writeJSON(w, h.logger, http.StatusCreated, sessionResponse{
		SessionID:      sess.ID,
		Tier:           assignment.Tier(),
		CaptureAllowed: sess.Engine != nil,
	})
}

func (h *Handlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	resp := sessionResponse{
		SessionID:      sess.ID,
		Tier:           sess.Assignment.Tier(),
		CaptureAllowed: sess.Engine != nil,
	}
	if sess.Engine != nil {
		resp.State = string(sess.Engine.State())
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

type engineActionName string

const (
	startAction   engineActionName = "start"
	pauseAction   engineActionName = "pause"
	resumeAction  engineActionName = "resume"
	stopAction    engineActionName = "stop"
	discardAction engineActionName = "discard"
)

func (h *Handlers) engineAction(action engineActionName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := h.sessions.get(mux.Vars(r)["id"])
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if sess.Engine == nil {
			http.Error(w, "capture unsupported for this session", http.StatusConflict)
			return
		}

		var err error
		var body interface{}
		switch action {
		case startAction:
			err = sess.Engine.Start(r.Context())
		case pauseAction:
			err = sess.Engine.Pause()
		case resumeAction:
			err = sess.Engine.Resume()
		case stopAction:
			var artifact *models.Artifact
			artifact, err = sess.Engine.Stop()
			if err == nil {
				body = map[string]interface{}{
					"duration_ms": artifact.Duration.Milliseconds(),
					"size":        artifact.Size(),
					"calibration": artifact.Calibration,
				}
			}
		case discardAction:
			err = sess.Engine.Discard()
		}
		if err != nil {
			writeEngineError(w, h.logger, err)
			return
		}
		if body == nil {
			body = map[string]string{"state": string(sess.Engine.State())}
		}
		writeJSON(w, h.logger, http.StatusOK, body)
	}
}

// FinalizeHandler hands the stopped artifact to the queue and nudges
// the orchestrator. An enqueue failure leaves the engine stopped with
// the artifact retained, so the client may retry.
func (h *Handlers) FinalizeHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sess.Engine == nil {
		http.Error(w, "capture unsupported for this session", http.StatusConflict)
		return
	}

	var metadata map[string]string
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid metadata", http.StatusBadRequest)
		return
	}

	key, err := sess.Engine.Finalize(metadata)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	h.orchestrator.Kick("finalize")
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"idempotency_key": key})
}

// AttachmentHandler is the manual file attachment path: the only
// enqueue route when capture is unsupported or blocked.
func (h *Handlers) AttachmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	sess, ok := h.sessions.get(r.FormValue("session_id"))
	if !ok {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read audio file", http.StatusInternalServerError)
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	artifact := models.NewArtifact(audio, mime, 0, models.Calibration{})
	artifact.Metadata["source"] = "manual_attachment"

	metadata := map[string]string{}
	for _, field := range []string{"title", "language", "recording_type", "consent"} {
		if v := r.FormValue(field); v != "" {
			metadata[field] = v
		}
	}

	key, err := h.store.Enqueue(artifact, sess.Assignment.Tier(), metadata)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	h.orchestrator.Kick("attachment")
	writeJSON(w, h.logger, http.StatusCreated, map[string]string{"idempotency_key": key})
}

func (h *Handlers) ListQueueHandler(w http.ResponseWriter, r *http.Request) {
	f := queue.Filter{Limit: 50}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Status = models.EntryStatus(status)
	}
	entries, err := h.store.List(f)
	if err != nil {
		h.logger.Error("queue list failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handlers) GetEntryHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.Get(mux.Vars(r)["key"])
	if err != nil {
		if errors.Is(err, faults.ErrEntryNotFound) {
			http.Error(w, "entry not found", http.StatusNotFound)
			return
		}
		var corrupt *faults.CorruptEntryError
		if errors.As(err, &corrupt) {
			http.Error(w, "entry quarantined", http.StatusGone)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, entry)
}

// DeleteEntryHandler is the manual export/delete path for dead-letter
// entries.
func (h *Handlers) DeleteEntryHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := h.store.Dequeue(key); err != nil {
		h.logger.Error("dequeue failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KickHandler lets the host signal connectivity-restored or foreground
// events.
func (h *Handlers) KickHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	h.orchestrator.Kick(req.Reason)
	w.WriteHeader(http.StatusAccepted)
}

func writeEngineError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, faults.ErrPermissionDenied):
		// Calm, offline-aware surface; the UI offers the manual path.
		writeJSON(w, logger, http.StatusForbidden, map[string]string{
			"error":    "microphone_blocked",
			"fallback": "manual_attachment",
		})
	case errors.Is(err, faults.ErrArtifactTooLarge),
		errors.Is(err, faults.ErrStorageExhausted):
		writeJSON(w, logger, http.StatusInsufficientStorage, map[string]string{
			"error": "storage_exhausted",
		})
	case errors.Is(err, faults.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; all that's left is to note the dropped body.
		logger.Debug("response write failed", zap.Error(err))
	}
}

// sessionTTL is how long a session that can never act again is kept
// before the registry evicts it.
const sessionTTL = time.Hour

// sessionRegistry is the in-process session table. Sessions are
// ephemeral; queue durability is the store's job.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	clock    func() time.Time
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*session),
		clock:    time.Now,
	}
}

func (r *sessionRegistry) put(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.createdAt = r.clock()
	r.sweepLocked()
	r.sessions[s.ID] = s
}

// sweepLocked evicts old sessions with nothing left to do: engines in a
// terminal state, and engine-less sessions past the TTL. A session with
// live capture work is never evicted, no matter its age.
func (r *sessionRegistry) sweepLocked() {
	cutoff := r.clock().Add(-sessionTTL)
	for id, s := range r.sessions {
		if !s.createdAt.Before(cutoff) {
			continue
		}
		if s.Engine == nil || terminalEngineState(s.Engine.State()) {
			delete(r.sessions, id)
		}
	}
}

func terminalEngineState(st capture.State) bool {
	switch st {
	case capture.StateFinalized, capture.StateDiscarded, capture.StateBlocked:
		return true
	}
	return false
}

func (r *sessionRegistry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}
