package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/slidecast/internal/artifactcache"
	"github.com/haasonsaas/slidecast/internal/config"
	"github.com/haasonsaas/slidecast/internal/connection"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/preload"
	"github.com/haasonsaas/slidecast/internal/realtime"
	"github.com/haasonsaas/slidecast/internal/rowstore"
	"github.com/haasonsaas/slidecast/internal/session"
)

type watchOptions struct {
	presentationID string
	configPath     string
	role           string
	quality        string
	debug          bool
}

func runWatch(ctx context.Context, out io.Writer, opts watchOptions) error {
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.role != "" {
		cfg.Presence.Role = opts.role
	}
	if opts.quality != "" {
		cfg.Preload.Quality = opts.quality
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := newEnv(cfg)
	defer e.close()
	logger := e.logger.With("presentation_id", opts.presentationID)

	rows, closeRows, err := openRowstore(cfg, e.tracer)
	if err != nil {
		return err
	}
	defer func() { _ = closeRows() }()

	signals := platform.NewSignals(platform.ParseQuality(cfg.Preload.Quality))
	defer signals.Close()
	estimator := platform.NewQualityEstimator(signals)
	stopVisibility := forwardVisibility(signals)
	defer stopVisibility()

	cache, err := openCache(ctx, cfg, e.logger, e.metrics, e.tracer, estimator.Observe)
	if err != nil {
		return err
	}
	defer cache.Close()

	socket := realtime.NewSocket(realtime.SocketConfig{
		URL:               cfg.Realtime.URL,
		APIKey:            cfg.Realtime.APIKey,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		JoinTimeout:       cfg.Realtime.JoinTimeout,
		Logger:            e.logger,
		Tracer:            e.tracer,
	})
	defer socket.Close()

	shutdownHTTP, err := serveHTTP(cfg, e, cache)
	if err != nil {
		return err
	}
	defer shutdownHTTP()

	if cfg.Cache.SweepSchedule != "" {
		sweeper := artifactcache.NewSweeper(cache, cfg.Cache.Retention, e.logger)
		if err := sweeper.Schedule(ctx, cfg.Cache.SweepSchedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if path != "" {
		go func() {
			err := config.Watch(ctx, path, e.logger, func(next *config.Config) {
				e.level.Set(observability.ParseLevel(next.Logging.Level))
			})
			if err != nil {
				e.logger.Warn("config watch unavailable", "path", path, "error", err)
			}
		}()
	}

	ctrl := session.NewController(sessionConfig(cfg), session.Deps{
		Realtime:   socket,
		Rows:       rows,
		Cache:      cache,
		Prefetcher: preload.NewHTTPPrefetcher(cfg.Preload.PrefetchTimeout, e.logger),
		Signals:    signals,
		Logger:     e.logger,
		Metrics:    e.metrics,
	})
	defer ctrl.Close()

	slides, cancelSlides := ctrl.SlideChanges()
	defer cancelSlides()
	states, cancelStates := ctrl.StateChanges()
	defer cancelStates()
	terminals, cancelTerminals := ctrl.Terminals()
	defer cancelTerminals()

	if err := ctrl.Start(ctx, opts.presentationID); err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			return fmt.Errorf("presentation %s not found", opts.presentationID)
		}
		return err
	}
	p := ctrl.Presentation()
	last := ctrl.Manifest().Last()
	fmt.Fprintf(out, "watching %q (%d slides)\n", p.Title, last)
	logger.Info("watching presentation", "title", p.Title, "slides", last, "artifacts", cfg.Server.PublicURL)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "stopped")
			return nil
		case change, ok := <-slides:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "slide %d/%d\tviewers=%d\t%s\n",
				change.Slide, last, ctrl.ViewerCount(), ctrl.ArtifactURL(ctx, change.Slide, false))
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			fmt.Fprintf(out, "connection %s\n", state)
		case term, ok := <-terminals:
			if !ok {
				terminals = nil
				continue
			}
			if errors.Is(term.Err, connection.ErrPresentationEnded) {
				fmt.Fprintln(out, "presentation ended")
				return nil
			}
			return term.Err
		}
	}
}

// serveHTTP serves cached artifacts and metrics on server.listen and
// returns the shutdown function.
func serveHTTP(cfg *config.Config, e *env, cache *artifactcache.Cache) (func(), error) {
	router := mux.NewRouter()
	artifactcache.Register(router, cache)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http server error", "error", err)
		}
	}()
	e.logger.Info("starting http server", "addr", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			e.logger.Warn("http server shutdown failed", "error", err)
		}
	}, nil
}
