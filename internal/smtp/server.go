package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
	"github.com/shineum/smtp-capture-lite/internal/listener"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
	"github.com/shineum/smtp-capture-lite/internal/parser"
)

const (
	// defaultShutdownTimeout is the maximum time to wait for in-flight
	// sessions during graceful shutdown before they are closed.
	defaultShutdownTimeout = 30 * time.Second

	// defaultReadTimeout is the maximum time a session can remain idle.
	defaultReadTimeout = 60 * time.Second

	// defaultListenerTimeout bounds each listener invocation.
	defaultListenerTimeout = 10 * time.Second

	defaultSoftwareName = "smtp-capture-lite"
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// BindAddress and Port form the listen address.
	BindAddress string
	Port        int

	// Hostname is announced in the greeting and in HELO/EHLO replies.
	Hostname string

	// SoftwareName follows "ESMTP" in the greeting banner.
	SoftwareName string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// RequireTLS rejects MAIL, RCPT and DATA before STARTTLS.
	RequireTLS bool

	// AuthUsername and AuthPassword configure SMTP AUTH. AUTH is only
	// offered when both are set.
	AuthUsername string
	AuthPassword string

	// RequireAuth rejects MAIL, RCPT and DATA before a successful AUTH.
	// It has no effect while AUTH is not configured.
	RequireAuth bool

	// MaxMessageSize limits the DATA payload in bytes; 0 means unlimited.
	MaxMessageSize int64

	// MaxRecipients limits RCPT commands per transaction; 0 means unlimited.
	MaxRecipients int

	// ReadTimeout is the idle timeout per command or DATA line.
	ReadTimeout time.Duration

	// ShutdownTimeout is the grace period for in-flight sessions.
	ShutdownTimeout time.Duration

	// ListenerTimeout bounds each listener invocation.
	ListenerTimeout time.Duration

	// BlockedRecipients are rejected at RCPT time (case-insensitive).
	BlockedRecipients []string

	// FilterPatterns suppress delivery of matching messages to listeners.
	FilterPatterns []*regexp.Regexp

	// Listeners receive every captured email, in order.
	Listeners []listener.Listener

	// Now stamps received emails; defaults to time.Now.
	Now func() time.Time
}

// Server is an SMTP server that accepts connections and hands every
// captured message to its listeners.
type Server struct {
	config     ServerConfig
	validator  *AuthenticationValidator
	factory    *parser.Factory
	listener   listener.Listener
	sessionIDs *SessionIDFactory
	blockedSet map[string]struct{}

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.SoftwareName == "" {
		cfg.SoftwareName = defaultSoftwareName
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = defaultListenerTimeout
	}

	s := &Server{
		config:     cfg,
		factory:    parser.NewFactory(cfg.Now),
		sessionIDs: NewSessionIDFactory(),
		blockedSet: make(map[string]struct{}, len(cfg.BlockedRecipients)),
		sessions:   make(map[*Session]struct{}),
	}

	switch {
	case cfg.AuthUsername == "" && cfg.AuthPassword == "":
	case cfg.AuthUsername == "":
		slog.Error("username is missing; skip configuration of authentication")
	case cfg.AuthPassword == "":
		slog.Error("password is missing; skip configuration of authentication")
	default:
		s.validator = NewAuthenticationValidator(cfg.AuthUsername, cfg.AuthPassword)
	}

	for _, addr := range cfg.BlockedRecipients {
		s.blockedSet[strings.ToLower(strings.TrimSpace(addr))] = struct{}{}
	}

	var l listener.Listener = listener.NewFanout(cfg.ListenerTimeout, cfg.Listeners...)
	if len(cfg.FilterPatterns) > 0 {
		l = listener.NewFilter(l, cfg.FilterPatterns)
	}
	s.listener = l

	return s
}

// ListenAndServe binds the configured address and serves until the context
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting, waits up to the shutdown timeout for
// in-flight sessions and then closes the remaining connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.validator.Enabled(),
		"require_auth", s.requireAuth(),
		"tls_enabled", s.config.TLSConfig != nil,
		"require_tls", s.config.RequireTLS,
		"max_message_size", s.config.MaxMessageSize,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		session := NewSession(conn, s, s.sessionIDs.Create())
		s.track(session, true)
		metrics.Sessions.Inc()
		metrics.ActiveSessions.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer metrics.ActiveSessions.Dec()
			defer s.track(session, false)
			session.Handle(ctx)
		}()
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

// AuthEnabled reports whether AUTH is offered.
func (s *Server) AuthEnabled() bool {
	return s.validator.Enabled()
}

func (s *Server) requireAuth() bool {
	return s.config.RequireAuth && s.validator.Enabled()
}

func (s *Server) blocked(addr string) bool {
	_, ok := s.blockedSet[strings.ToLower(addr)]
	return ok
}

func (s *Server) recordAuthFailure() {
	metrics.AuthFailures.Inc()
}

// deliver hands msg to the listeners and returns the transaction result
// label, "captured" or "filtered". Failures are logged by the fan-out and
// never change the reply of the transaction.
func (s *Server) deliver(ctx context.Context, msg *email.Email) string {
	err := s.listener.OnMessageReceived(context.WithoutCancel(ctx), msg)
	switch {
	case errors.Is(err, listener.ErrFiltered):
		return "filtered"
	case err != nil:
		slog.Debug("message delivered with listener errors", "email_id", msg.ID, "error", err)
	}
	return "captured"
}

func (s *Server) track(session *Session, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[session] = struct{}{}
	} else {
		delete(s.sessions, session)
	}
}

// waitForSessions waits for all in-flight sessions to complete, closing
// whatever is left once the shutdown timeout is reached.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.config.ShutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
		s.mu.Lock()
		for session := range s.sessions {
			session.close()
		}
		s.mu.Unlock()
		<-done
	}
}
