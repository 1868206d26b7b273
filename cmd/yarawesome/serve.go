package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/watcher"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload watcher, job workers and HTTP API",
		Long: `serve watches the upload directory and ingests every staged rule file as
it lands, runs queued jobs (scans, imports, clones, publishes, downloads),
and serves the job status API, /metrics and /healthz.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			runServe(opts)
		},
	}
	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cmd.Flags().Bool("watch", true, "Watch the upload directory for new rule files")
	_ = opts.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = opts.v.BindPFlag("watch", cmd.Flags().Lookup("watch"))
	return cmd
}

func runServe(opts *rootOptions) {
	cfg := opts.cfg
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	logger := a.logger

	var w *watcher.Watcher
	if cfg.Watch {
		w = watcher.New(cfg.Paths.UploadDir, func(ctx context.Context, path string) error {
			res, err := a.ingest.IngestFile(ctx, path)
			logger.Info("ingested upload", "path", path, "result", res.String())
			return err
		}, watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			glog.Fatalf("Failed to watch %s: %v", cfg.Paths.UploadDir, err)
		}
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.workers.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("yarawesome ready",
		"listen", cfg.Listen,
		"uploadDir", cfg.Paths.UploadDir,
		"database", cfg.Database.Type,
		"search", cfg.Search.URI)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if w != nil {
		w.Stop()
	}
	<-workersDone
	logger.Info("yarawesome stopped")
}

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(a.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", a.metrics.Handler(a.registry))
	r.Mount("/api/jobs/v1", jobs.Router(a.jobs))
	return r
}
