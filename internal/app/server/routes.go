package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/metrics"

	"github.com/charmbracelet/log"
)

const shutdownTimeout = 10 * time.Second

// Engine is the part of the manager the operational endpoints read from.
type Engine interface {
	Health(ctx context.Context) *dto.HealthStatus
	ExportJSON(ctx context.Context, w io.Writer) error
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// NewRouter exposes metrics, health, build info and the blocklist export.
func NewRouter(engine Engine) http.Handler {
	router := http.NewServeMux()
	router.Handle("GET /metrics", metrics.Handler())
	router.HandleFunc("GET /healthz", healthHandler(engine))
	router.HandleFunc("GET /version", getVersion)
	router.HandleFunc("GET /export/blocklist.json", exportHandler(engine))
	return router
}

func healthHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := engine.Health(r.Context())
		code := http.StatusOK
		if !status.Success {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

func exportHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.ExportJSON(r.Context(), w); err != nil {
			writeError(w, "export failed", http.StatusServiceUnavailable)
		}
	}
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipthreat operations server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
