// Command apibridge runs the chat bridge: a WebSocket server that lets an
// LLM call REST endpoints described by an OpenAPI document on behalf of
// chat users.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apibridge/apibridge/config"
	"github.com/apibridge/apibridge/internal/httpclient"
	"github.com/apibridge/apibridge/internal/metrics"
	"github.com/apibridge/apibridge/llms"
	"github.com/apibridge/apibridge/logger"
	"github.com/apibridge/apibridge/server"
	"github.com/apibridge/apibridge/session"
	"github.com/apibridge/apibridge/tools"
)

const shutdownWindow = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "apibridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), logger.ParseFormat(cfg.Logging.Format))

	m := metrics.New()

	// Shared clients: tool calls never follow redirects on unsafe
	// methods; the model client uses a generous deadline because
	// generation is slow.
	toolClient := httpclient.NewNoUnsafeRedirects(cfg.Tools.ToolTimeout())
	modelClient := httpclient.New(5 * time.Minute)

	table, err := tools.LoadTable(&cfg.Tools, toolClient)
	if err != nil {
		return err
	}
	slog.Info("compiled tool descriptors", "tools", table.Len(), "model", cfg.LLM.ModelID)

	executor := tools.NewExecutor(table, &cfg.Tools, toolClient, m)

	adapter, err := llms.NewAdapter(cfg.LLM.Family)
	if err != nil {
		return err
	}
	invoker := llms.NewInvokeClient(&cfg.LLM, modelClient)
	pipeline := llms.NewPipeline(adapter, invoker, &cfg.LLM, m)

	sessions := session.NewManager(cfg, toolClient, m)
	sessions.StartReaper()
	defer sessions.Stop()

	srv := server.New(cfg, sessions, pipeline, executor, m)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "family", cfg.LLM.Family)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
