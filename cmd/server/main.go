package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vdavid/mailcore/internal/app"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logging.Logger(logging.Main).Fatalf("Failed to load config: %v", err)
	}
	logging.Init(cfg.LogLevel)
	log := logging.Logger(logging.Main)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Info("Successfully connected to database")

	a, err := app.New(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if cfg.Sync.IMAPIdle {
		if err := a.StartWatchers(ctx); err != nil {
			log.WithError(err).Warn("Could not start IMAP IDLE watchers")
		}
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Mailcore server starting on %s (environment: %s)", server.Addr, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serverErr:
		log.WithError(err).Error("Server failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown did not finish")
	}
}

// NewServer creates the HTTP handler for the Mailcore API.
func NewServer(a *app.App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)
	a.Register(mux)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailcore API is running")
}
