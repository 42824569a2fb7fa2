// Package main is the entry point for the SMTP capture server.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp-capture-lite/internal/config"
	"github.com/shineum/smtp-capture-lite/internal/listener"
	"github.com/shineum/smtp-capture-lite/internal/listener/stdout"
	"github.com/shineum/smtp-capture-lite/internal/listener/webhook"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
	"github.com/shineum/smtp-capture-lite/internal/smtp"
	"github.com/shineum/smtp-capture-lite/internal/store"
	smtptls "github.com/shineum/smtp-capture-lite/internal/tls"
	"github.com/shineum/smtp-capture-lite/internal/web"
)

const softwareName = "smtp-capture-lite"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Load or generate TLS certificates
	var tlsConfig *tls.Config
	tlsMode := "disabled"
	if cfg.TLS.Enabled {
		tlsConfig, err = smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		tlsMode = "self-signed"
		if cfg.TLSFromFiles() {
			tlsMode = "file"
		}
	}

	patterns, err := listener.CompilePatterns(cfg.Filter.Patterns)
	if err != nil {
		slog.Error("invalid filter pattern", "error", err)
		os.Exit(1)
	}

	st := store.New(cfg.Persistence.MaxEmails)
	hub := web.NewHub()
	listeners := buildListeners(cfg, st, hub)

	server := smtp.New(smtp.ServerConfig{
		BindAddress:       cfg.SMTP.BindAddress,
		Port:              cfg.SMTP.Port,
		Hostname:          cfg.SMTP.Hostname,
		SoftwareName:      softwareName,
		TLSConfig:         tlsConfig,
		RequireTLS:        cfg.SMTP.RequireTLS,
		AuthUsername:      cfg.SMTP.Username,
		AuthPassword:      cfg.SMTP.Password,
		RequireAuth:       cfg.RequireAuth(),
		MaxMessageSize:    cfg.SMTP.MaxMessageSize,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
		ReadTimeout:       cfg.SMTP.ReadTimeout,
		BlockedRecipients: cfg.SMTP.BlockedRecipients,
		FilterPatterns:    patterns,
		Listeners:         listeners,
	})

	names := make([]string, 0, len(listeners))
	for _, l := range listeners {
		names = append(names, l.Name())
	}
	slog.Info("starting "+softwareName,
		"version", version,
		"smtp_port", cfg.SMTP.Port,
		"web_listen", cfg.Web.Listen,
		"listeners", names,
		"auth_enabled", server.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	webDone := make(chan error, 1)
	if cfg.Web.Listen != "" {
		api := web.New(web.Config{
			Listen:         cfg.Web.Listen,
			SoftwareName:   softwareName,
			Version:        version,
			AuthEnabled:    server.AuthEnabled(),
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
		}, st, hub)
		go func() {
			err := api.ListenAndServe(ctx)
			if err != nil {
				slog.Error("HTTP server error", "error", err)
				cancel()
			}
			webDone <- err
		}()
	} else {
		webDone <- nil
	}

	// Start the server (blocks until context is cancelled)
	exitCode := 0
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		exitCode = 1
	}
	cancel()
	if err := <-webDone; err != nil {
		exitCode = 1
	}

	slog.Info(softwareName+" stopped", "emails_captured", st.Count())
	os.Exit(exitCode)
}

// buildListeners returns the listeners in delivery order. The store comes
// first so that the websocket feed and webhooks only announce emails the
// API can already serve.
func buildListeners(cfg *config.Config, st *store.Store, hub *web.Hub) []listener.Listener {
	listeners := []listener.Listener{st}
	if cfg.Stdout.Enabled {
		listeners = append(listeners, stdout.New())
	}
	if cfg.Webhook.URL != "" {
		listeners = append(listeners, webhook.New(webhook.Config{
			URL:    cfg.Webhook.URL,
			Secret: cfg.Webhook.Secret,
		}))
	}
	return append(listeners, hub, metrics.NewListener())
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
