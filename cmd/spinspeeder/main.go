package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/spinspeeder/spinspeeder/internal/api"
	"github.com/spinspeeder/spinspeeder/internal/archive"
	"github.com/spinspeeder/spinspeeder/internal/auth"
	"github.com/spinspeeder/spinspeeder/internal/config"
	"github.com/spinspeeder/spinspeeder/internal/display"
	"github.com/spinspeeder/spinspeeder/internal/health"
	"github.com/spinspeeder/spinspeeder/internal/ingest"
	"github.com/spinspeeder/spinspeeder/internal/metrics"
	"github.com/spinspeeder/spinspeeder/internal/publish"
	"github.com/spinspeeder/spinspeeder/internal/session"
	"github.com/spinspeeder/spinspeeder/internal/tracking"
	"github.com/spinspeeder/spinspeeder/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses built-in defaults")
	replay := flag.String("replay", "", "replay this JSON-lines tracker recording (overrides ingest.replay_file)")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("spinspeeder starting", "config", *configPath)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}
	if *replay != "" {
		cfg.Ingest.ReplayFile = *replay
	}
	level.Set(cfg.Level())

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"frame_rate", cfg.Ingest.FrameRate,
		"speed_factor", cfg.Display.SpeedFactor,
		"archive", cfg.Archive.Path,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, level); err != nil {
		slog.Error("spinspeeder stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("spinspeeder shut down")
}

// run serves until ctx is cancelled. The session still open at that point
// is dismissed, so its summary is published and archived before returning.
func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) error {
	gate, err := auth.New(cfg.Server.Auth.Mode, cfg.Server.Auth.Header, cfg.Server.Auth.Key())
	if err != nil {
		return fmt.Errorf("server.auth: %w (is %s set?)", err, cfg.Server.Auth.KeyEnv)
	}

	conv := display.NewConverter(cfg.Display.SpeedFactor, cfg.Display.SpeedUnit)
	pub := publish.New()

	// Optional SQLite archive of final summaries.
	var store *archive.Store
	if cfg.Archive.Path != "" {
		store, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	mgr := session.NewManager(session.WithFinalizeHook(func(s session.Snapshot) {
		pub.Publish(s)
		if store == nil {
			return
		}
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := store.Record(rctx, s); err != nil {
			slog.Error("archive: record failed", "session", s.SessionID, "err", err)
		}
	}))

	hub := ws.New(mgr, conv, cfg.Display.BroadcastInterval)
	healthSrv := health.New()
	pub.Subscribe(hub.Deliver)
	pub.Subscribe(healthSrv.Update)

	// Frame source and tracker. Without a recording the pipeline idles until
	// something calls Submit.
	adapter := tracking.NewAdapter(tracking.Options{
		SpeedPerFrame: cfg.Ingest.SpeedPerFrame,
		FrameRate:     cfg.Ingest.FrameRate,
	})
	var (
		tracker ingest.Tracker
		source  ingest.Source
	)
	if cfg.Ingest.ReplayFile != "" {
		rec, err := ingest.LoadRecording(cfg.Ingest.ReplayFile, cfg.Ingest.FrameRate)
		if err != nil {
			return err
		}
		tracker = rec.Tracker()
		source = rec.Source(cfg.Ingest.FrameRate, cfg.Ingest.ReplayLoop)
		slog.Info("replaying recording", "file", cfg.Ingest.ReplayFile, "frames", rec.Len(), "loop", cfg.Ingest.ReplayLoop)
	} else {
		slog.Warn("no frame source configured, pipeline will idle")
	}
	pipeline := ingest.NewPipeline(tracker, adapter, mgr, pub)

	reg := metrics.NewRegistry()
	reg.Register(metrics.Pipeline(pipeline))
	reg.Register(metrics.Publisher(pub))
	reg.Register(metrics.Session(mgr))
	reg.Register(metrics.Clients(hub.Count))

	apiHandler := api.New(api.Deps{
		Sessions: mgr,
		Display:  conv,
		Archive:  archiveOrNil(store),
		Metrics:  reg,
		Publish:  pub.Publish,
		Clients:  hub.Count,
	})
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/metrics", apiHandler)
	httpMux.Handle("/ws", hub)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           gate.Middleware(httpMux, "/api/v1/health"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if cfg.Server.GRPCPort != 0 {
		grpcSrv = grpc.NewServer(
			grpc.UnaryInterceptor(gate.UnaryInterceptor()),
			grpc.StreamInterceptor(gate.StreamInterceptor()),
		)
		healthSrv.Register(grpcSrv)
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
	}

	// The tracking view opens with a fresh session.
	pub.Publish(mgr.Start())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { pub.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })

	if source != nil {
		g.Go(func() error {
			if err := source.Run(gctx, pipeline.Submit); err != nil {
				return fmt.Errorf("frame source: %w", err)
			}
			// The last frames may still be waiting in the pipeline.
			if err := pipeline.Flush(gctx); err != nil {
				return nil
			}
			if gctx.Err() == nil {
				slog.Info("recording finished, ending session")
				if _, err := mgr.Finalize(); err != nil && !errors.Is(err, session.ErrNoSession) {
					slog.Warn("finalize after replay", "err", err)
				}
			}
			return nil
		})
	}

	if configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, func(updated *config.Config) {
				conv.SetSpeedFactor(updated.Display.SpeedFactor, updated.Display.SpeedUnit)
				level.Set(updated.Level())
				slog.Info("config hot-reloaded",
					"speed_factor", updated.Display.SpeedFactor,
					"speed_unit", updated.Display.SpeedUnit,
					"log_level", updated.LogLevel,
				)
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("spinspeeder shutting down")
		healthSrv.Shutdown()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()

	// Close out the running session so its summary reaches the archive.
	if _, derr := mgr.Dismiss(); derr != nil && !errors.Is(derr, session.ErrNoSession) {
		slog.Warn("dismiss on shutdown", "err", derr)
	}
	return err
}

// archiveOrNil keeps a nil *archive.Store from becoming a non-nil interface.
func archiveOrNil(s *archive.Store) api.Archive {
	if s == nil {
		return nil
	}
	return s
}
