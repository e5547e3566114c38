// SuiVault intelligence service. Launched by the CLI with the wallet
// key in its environment; hosts the conversation loop and supervises
// the tool provider. Stdout carries the startup event stream for the
// parent, so all logging goes to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ovchar/suivault/internal/agent"
	"github.com/ovchar/suivault/internal/config"
	"github.com/ovchar/suivault/internal/secret"
	"github.com/ovchar/suivault/internal/session"
	"github.com/ovchar/suivault/internal/supervise"
	"github.com/ovchar/suivault/internal/toolwire"
)

const keyVar = "SUI_PRIVATE_KEY"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("agent exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("GOOGLE_API_KEY is required")
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// Take the key out of our environment before doing anything else,
	// then confirm receipt to the parent.
	box, err := secret.FromEnv(keyVar)
	if err != nil {
		return err
	}
	emit(supervise.Event{Event: supervise.EventKeyReceived})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervise.New(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		sup.ShutdownAll(shutdownCtx, cfg.ShutdownGrace)
	}()

	// The tool provider gets the key next; its hello frame is the
	// receipt confirmation for that hop.
	var tools *toolwire.Client
	proc, err := sup.Launch(ctx, supervise.RoleToolProvider, supervise.LaunchSpec{
		Path:         cfg.ToolsBin,
		Secret:       box,
		SecretVar:    keyVar,
		RelayTimeout: cfg.RelayTimeout,
		UseStdio:     true,
		Ack: func(ctx context.Context, p *supervise.Process) error {
			tools = toolwire.NewClient(p.Stdout, p.Stdin, cfg.ToolTimeout, logger)
			return tools.Handshake(ctx)
		},
	})
	if err != nil {
		return err
	}
	emit(supervise.Event{Event: supervise.EventChild, PID: proc.PID})
	logger.Info("tool provider ready", "pid", proc.PID, "tools", len(tools.Tools()))

	responder := agent.NewGeminiResponder(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel)
	svc := agent.New(responder, tools, logger)
	sessions := session.NewServer(svc, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Handle("/ws/session", sessions)

	ln, err := net.Listen("tcp", cfg.AgentAddr)
	if err != nil {
		return err
	}
	emit(supervise.Event{Event: supervise.EventReady, Addr: ln.Addr().String()})
	logger.Info("session endpoint listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// emit writes one startup event line for the supervising parent.
func emit(ev supervise.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	os.Stdout.Write(append(data, '\n'))
}
