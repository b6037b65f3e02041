package telemetry

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartStatusListener serves health and metrics endpoints on
// XFORGE_STATUS_ADDR for long-running invocations. It returns a nil stop
// function when the variable is unset.
func StartStatusListener(logger *log.Logger) (func(context.Context) error, error) {
	addr := os.Getenv("XFORGE_STATUS_ADDR")
	if addr == "" {
		return nil, nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ERROR status listener: %v", err)
		}
	}()
	logger.Printf("INFO status listener on %s", addr)

	return srv.Shutdown, nil
}
