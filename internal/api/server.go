// Package api provides the HTTP server and handlers for the file hosting
// service.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/y3g0r/filehosting/internal/events"
	"github.com/y3g0r/filehosting/internal/hosting"
	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metrics"
	"github.com/y3g0r/filehosting/internal/storage"
	"github.com/y3g0r/filehosting/pkg/models"
)

var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Config holds the HTTP-level limits.
type Config struct {
	// MaxUploadSize bounds request bodies; 0 means unlimited.
	MaxUploadSize int64
	// MaxConcurrentMutations bounds PUT and DELETE requests in flight;
	// 0 means unlimited.
	MaxConcurrentMutations int
}

// Server is the HTTP server.
type Server struct {
	service     *hosting.Service
	broadcaster *events.Broadcaster
	cfg         Config
	mutations   chan struct{}
}

// NewServer creates a new server. broadcaster may be nil, in which case the
// events endpoint is not registered.
func NewServer(service *hosting.Service, broadcaster *events.Broadcaster, cfg Config) *Server {
	s := &Server{
		service:     service,
		broadcaster: broadcaster,
		cfg:         cfg,
	}
	if cfg.MaxConcurrentMutations > 0 {
		s.mutations = make(chan struct{}, cfg.MaxConcurrentMutations)
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// The stream bypasses the metrics recorder so flushes reach the client.
	if s.broadcaster != nil {
		mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	}

	mux.Handle("GET /", metrics.Middleware("read", http.HandlerFunc(s.handleRead)))
	mux.Handle("PUT /", metrics.Middleware("write", s.throttle(http.HandlerFunc(s.handlePut))))
	mux.Handle("DELETE /", metrics.Middleware("delete", s.throttle(http.HandlerFunc(s.handleDelete))))

	return logging.Middleware(mux)
}

// throttle rejects mutations with 503 while MaxConcurrentMutations are
// already running.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.mutations == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.mutations <- struct{}{}:
		default:
			metrics.RecordMutationRejected()
			w.Header().Set("Retry-After", "1")
			s.sendError(w, http.StatusServiceUnavailable, "too many concurrent mutations")
			return
		}
		metrics.MutationStarted()
		defer func() {
			<-s.mutations
			metrics.MutationFinished()
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// identifier returns the still-escaped request path; decoding happens once,
// in storage.NewPath.
func identifier(r *http.Request) string {
	return r.URL.EscapedPath()
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	if strings.HasSuffix(id, "/") {
		snap, err := s.service.CreateDirectory(r.Context(), id)
		if err != nil {
			s.sendStorageError(w, r, err)
			return
		}
		s.sendSnapshot(w, r, http.StatusCreated, snap)
		return
	}

	if limit := s.cfg.MaxUploadSize; limit > 0 {
		if r.ContentLength > limit {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", limit))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	snap, err := s.service.Upload(r.Context(), id, r.Body)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusCreated, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Delete(r.Context(), identifier(r))
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusOK, snap)
}

// handleRead lists directories and serves file content.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	if strings.HasSuffix(id, "/") {
		s.sendListing(w, r, id)
		return
	}

	f, info, err := s.service.Open(r.Context(), id)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if info.IsDir() {
		f.Close()
		s.sendListing(w, r, id)
		return
	}
	defer f.Close()

	metrics.RecordContentDownload(info.Size())
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) sendListing(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.service.List(r.Context(), id)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) sendSnapshot(w http.ResponseWriter, r *http.Request, code int, snap *models.Node) {
	w.Header().Set("Content-Type", "application/json")
	if !acceptsGzip(r) {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(snap)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(code)
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	json.NewEncoder(gw).Encode(snap)
	gw.Close()
	gzipPool.Put(gw)
}

type errorItem struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Errors: []errorItem{{Code: code, Message: message}},
	})
}

// sendStorageError maps err to a status code. Unexpected errors are logged
// and reported without detail.
func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Err(err))
		message = "internal server error"
	}
	s.sendError(w, code, message)
}

func statusCode(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, storage.ErrSandboxViolation),
		errors.Is(err, storage.ErrChunkTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, storage.ErrNotADirectory):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrUploadTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
