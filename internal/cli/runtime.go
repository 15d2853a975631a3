package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/reconciler"
	"github.com/kubilitics/handoff/internal/store"
)

var errNoStore = errors.New("no transcript store configured (set store.sqlite_path)")

func (a *app) newClient() (*api.Client, error) {
	return api.NewClient(a.cfg.API.BaseURL,
		api.WithTimeout(a.cfg.API.Timeout),
		api.WithLogger(a.logger),
	)
}

func (a *app) openStore() (store.Store, error) {
	if a.cfg.Store.SQLitePath == "" {
		return nil, errNoStore
	}
	return store.NewSQLiteStore(a.cfg.Store.SQLitePath)
}

// startBackground runs the transcript recorder and the metrics endpoint when
// they are configured. The returned function releases what was opened and
// must be called after g.Wait.
func (a *app) startBackground(ctx context.Context, g *errgroup.Group, rec *reconciler.Reconciler, health func() map[string]any) (func(), error) {
	cleanup := func() {}

	if a.cfg.Store.SQLitePath != "" {
		st, err := a.openStore()
		if err != nil {
			return cleanup, fmt.Errorf("open transcript store: %w", err)
		}
		recorder := store.NewRecorder(st, a.logger)
		detach := recorder.Attach(rec)
		// catch up with whatever is already loaded
		recorder.Observe(rec.Snapshot())
		g.Go(func() error { return recorder.Run(ctx) })
		cleanup = func() {
			detach()
			if err := st.Close(); err != nil {
				a.logger.Warn("failed to close transcript store", zap.Error(err))
			}
		}
	}

	if a.cfg.Metrics.Enabled {
		handler := newMetricsRouter(health)
		addr := a.cfg.Metrics.Address
		g.Go(func() error { return serveMetrics(ctx, addr, handler, a.logger) })
	}
	return cleanup, nil
}

func newMetricsRouter(health func() map[string]any) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", zap.String("address", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
