// Package archive is a reference implementation of the resumable
// upload endpoint, used for local development and client tests. It
// keeps sessions in memory, verifies the shared-secret credential,
// and posts a completion webhook. It is a stand-in collaborator, not
// the production archive.
package archive

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Starisian-Technologies/starmus-audio-recorder-sub003/pkg/upload/protocol"
)

type uploadState struct {
	ID             string
	IdempotencyKey string
	Size           int64
	Data           []byte
	Offset         int64
	Metadata       map[string]string
	CreatedAt      time.Time
}

type Server struct {
	secret     string
	webhookURL string
	logger     *zap.Logger

	mu        sync.Mutex
	uploads   map[string]*uploadState
	completed map[string]string // idempotency key -> upload id, for dedup
}

func NewServer(secret, webhookURL string, logger *zap.Logger) *Server {
	return &Server{
		secret:     secret,
		webhookURL: webhookURL,
		logger:     logger,
		uploads:    make(map[string]*uploadState),
		completed:  make(map[string]string),
	}
}

// Router mounts the upload protocol routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/uploads", s.createHandler).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}", s.offsetHandler).Methods(http.MethodHead)
	r.HandleFunc("/uploads/{id}", s.chunkHandler).Methods(http.MethodPatch)
	r.HandleFunc("/uploads/{id}/complete", s.completeHandler).Methods(http.MethodPost)
	return r
}

// authorized verifies the request credential against the expected HMAC
// for subject. Constant-time compare.
func (s *Server) authorized(r *http.Request, subject string) bool {
	got := r.Header.Get(protocol.HeaderSecret)
	want := protocol.Sign(s.secret, subject)
	return got != "" && hmac.Equal([]byte(got), []byte(want))
}

func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdempotencyKey string            `json:"idempotency_key"`
		Size           int64             `json:"size"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IdempotencyKey == "" {
		http.Error(w, "invalid create request", http.StatusBadRequest)
		return
	}
	if !s.authorized(r, req.IdempotencyKey) {
		http.Error(w, "bad credential", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A key that already completed is never accepted again; the
	// idempotency key is the dedup handle.
	if id, ok := s.completed[req.IdempotencyKey]; ok {
		s.logger.Info("duplicate create for completed key",
			zap.String("key", req.IdempotencyKey))
		s.writeJSON(w, http.StatusOK, map[string]string{"upload_id": id})
		return
	}

	up := &uploadState{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Size:           req.Size,
		Data:           make([]byte, 0, req.Size),
		Metadata:       req.Metadata,
		CreatedAt:      time.Now(),
	}
	s.uploads[up.ID] = up
	s.writeJSON(w, http.StatusCreated, map[string]string{"upload_id": up.ID})
}

func (s *Server) offsetHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorized(r, id) {
		http.Error(w, "bad credential", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	up, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	w.Header().Set(protocol.HeaderOffset, strconv.FormatInt(up.Offset, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) chunkHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorized(r, id) {
		http.Error(w, "bad credential", http.StatusUnauthorized)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get(protocol.HeaderOffset), 10, 64)
	if err != nil {
		http.Error(w, "missing offset", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[id]
	if !ok {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	if offset != up.Offset {
		w.Header().Set(protocol.HeaderOffset, strconv.FormatInt(up.Offset, 10))
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}

	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read chunk", http.StatusInternalServerError)
		return
	}
	if up.Offset+int64(len(chunk)) > up.Size {
		http.Error(w, "chunk past declared size", http.StatusBadRequest)
		return
	}
	up.Data = append(up.Data, chunk...)
	up.Offset += int64(len(chunk))

	w.Header().Set(protocol.HeaderOffset, strconv.FormatInt(up.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorized(r, id) {
		http.Error(w, "bad credential", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	if up.Offset != up.Size {
		s.mu.Unlock()
		http.Error(w, "upload incomplete", http.StatusBadRequest)
		return
	}
	_, already := s.completed[up.IdempotencyKey]
	if !already {
		s.completed[up.IdempotencyKey] = up.ID
	}
	s.mu.Unlock()

	if !already && s.webhookURL != "" {
		go s.fireWebhook(up)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"upload_id": up.ID,
		"status":    "complete",
	})
}

// fireWebhook notifies the CMS collaborator. Fire and forget; the
// client only relies on the synchronous completion response.
func (s *Server) fireWebhook(up *uploadState) {
	body, err := json.Marshal(map[string]interface{}{
		"upload_id":       up.ID,
		"idempotency_key": up.IdempotencyKey,
		"size":            up.Size,
		"metadata":        up.Metadata,
	})
	if err != nil {
		return
	}
	resp, err := http.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("completion webhook failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Received returns the assembled payload for an idempotency key, for
// tests and manual inspection.
func (s *Server) Received(idempotencyKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.completed[idempotencyKey]
	if !ok {
		return nil, false
	}
	up, ok := s.uploads[id]
	if !ok {
		return nil, false
	}
	return up.Data, true
}

// Completions returns how many distinct idempotency keys completed.
func (s *Server) Completions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; the client rediscovers state on its next try.
		s.logger.Debug("response write failed", zap.Error(err))
	}
}
