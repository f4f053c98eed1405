package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/poalegal"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	_ = godotenv.Load()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := poalegal.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = poalegal.LoadConfig(*configPath); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	apiKey := os.Getenv("POALEGAL_API_KEY")
	corsOrigins := os.Getenv("POALEGAL_CORS_ORIGINS")

	engine, err := poalegal.New(context.Background(), cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	handler := newServer(newHandler(engine), apiKey, corsOrigins)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest can run for minutes
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// newServer registers the routes and wraps them in the middleware chain:
// recovery -> cors -> auth -> logging -> mux.
func newServer(h *handler, apiKey, corsOrigins string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieve", h.handleRetrieve)
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("GET /artifacts/{id}", h.handleGetArtifact)
	mux.HandleFunc("POST /artifacts/{id}/verdict", h.handleVerdict)
	mux.HandleFunc("GET /areas", h.handleAreas)
	mux.HandleFunc("GET /health", h.handleHealth)

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
