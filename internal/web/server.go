// Package web serves the HTTP read API over captured emails, the live
// websocket feed and the Prometheus metrics endpoint.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shineum/smtp-capture-lite/internal/metrics"
	"github.com/shineum/smtp-capture-lite/internal/store"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Config holds the configuration for the web server.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string

	// The remaining fields are reported by the meta-data endpoint.
	SoftwareName   string
	Version        string
	AuthEnabled    bool
	MaxMessageSize int64
}

// MetaData describes the running capture server.
type MetaData struct {
	SoftwareName          string `json:"softwareName"`
	Version               string `json:"version"`
	AuthenticationEnabled bool   `json:"authenticationEnabled"`
	MaxMessageSize        int64  `json:"maxMessageSize"`
}

// Server is the HTTP front end of the capture server.
type Server struct {
	config Config
	store  *store.Store
	hub    *Hub
	router *mux.Router
}

// handler is an HTTP handler that reports failures by returning an error.
type handler func(http.ResponseWriter, *http.Request) error

// httpError is an error carrying the HTTP status to answer with.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func errorf(status int, format string, args ...any) error {
	return &httpError{status: status, message: fmt.Sprintf(format, args...)}
}

// New creates a Server reading from st and streaming through hub.
func New(cfg Config, st *store.Store, hub *Hub) *Server {
	s := &Server{
		config: cfg,
		store:  st,
		hub:    hub,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Path("/meta-data").Handler(handler(s.metaData)).Methods(http.MethodGet)
	api.Path("/emails/stream").Handler(s.hub).Methods(http.MethodGet)
	api.Path("/emails").Handler(handler(s.listEmails)).Methods(http.MethodGet)
	api.Path("/emails").Handler(handler(s.deleteAll)).Methods(http.MethodDelete)
	api.Path("/emails/{id}").Handler(handler(s.getEmail)).Methods(http.MethodGet)
	api.Path("/emails/{id}").Handler(handler(s.deleteEmail)).Methods(http.MethodDelete)
	api.Path("/emails/{id}/raw").Handler(handler(s.rawEmail)).Methods(http.MethodGet)
	api.Path("/emails/{id}/attachments/{index:[0-9]+}").Handler(handler(s.attachment)).Methods(http.MethodGet)
	api.Path("/emails/{id}/inline-images/{contentId}").Handler(handler(s.inlineImage)).Methods(http.MethodGet)

	r.Path("/metrics").Handler(metrics.Handler()).Methods(http.MethodGet)

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves HTTP until the context is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP runs the handler and turns a returned error into a JSON error
// response.
func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h(w, r)
	if err == nil {
		return
	}

	status := http.StatusInternalServerError
	var he *httpError
	if errors.As(err, &he) {
		status = he.status
	} else if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) metaData(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, MetaData{
		SoftwareName:          s.config.SoftwareName,
		Version:               s.config.Version,
		AuthenticationEnabled: s.config.AuthEnabled,
		MaxMessageSize:        s.config.MaxMessageSize,
	})
}

func (s *Server) listEmails(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	req := store.PageRequest{}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 0 {
			return errorf(http.StatusBadRequest, "invalid page %q", v)
		}
		req.Page = page
	}
	if v := q.Get("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return errorf(http.StatusBadRequest, "invalid size %q", v)
		}
		req.Size = size
	}
	switch strings.ToLower(q.Get("sort")) {
	case "", "desc":
	case "asc":
		req.Ascending = true
	default:
		return errorf(http.StatusBadRequest, "invalid sort %q", q.Get("sort"))
	}

	return writeJSON(w, http.StatusOK, s.store.List(req))
}

func (s *Server) getEmail(w http.ResponseWriter, r *http.Request) error {
	msg, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, msg)
}

func (s *Server) rawEmail(w http.ResponseWriter, r *http.Request) error {
	msg, err := s.store.Get(mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write([]byte(msg.RawData))
	return err
}

func (s *Server) attachment(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	msg, err := s.store.Get(vars["id"])
	if err != nil {
		return err
	}

	index, err := strconv.Atoi(vars["index"])
	if err != nil || index < 0 || index >= len(msg.Attachments) {
		return errorf(http.StatusNotFound, "attachment %s not found", vars["index"])
	}
	att := msg.Attachments[index]

	contentType := mime.TypeByExtension(path.Ext(att.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if att.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	}
	_, err = w.Write(att.Data)
	return err
}

func (s *Server) inlineImage(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	msg, err := s.store.Get(vars["id"])
	if err != nil {
		return err
	}

	img, ok := msg.InlineImage(vars["contentId"])
	if !ok {
		return errorf(http.StatusNotFound, "inline image %s not found", vars["contentId"])
	}
	// Images sent without base64 transfer encoding are kept verbatim.
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		data = []byte(img.Data)
	}

	w.Header().Set("Content-Type", img.ContentType)
	_, err = w.Write(data)
	return err
}

func (s *Server) deleteEmail(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Delete(mux.Vars(r)["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteAll(w http.ResponseWriter, _ *http.Request) error {
	s.store.DeleteAll()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
