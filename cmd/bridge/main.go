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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicebridge/internal/adapters/http"
	backend "github.com/dkeye/voicebridge/internal/adapters/signal"
	"github.com/dkeye/voicebridge/internal/adapters/stream"
	"github.com/dkeye/voicebridge/internal/app/events"
	"github.com/dkeye/voicebridge/internal/app/session"
	"github.com/dkeye/voicebridge/internal/config"
	"github.com/dkeye/voicebridge/internal/loader"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Err(err).Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	modules, err := loader.Load(cfg.SDKDir, loader.Table(cfg.Modules))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load native modules")
	}

	err = run(ctx, cfg)
	if cerr := modules.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("unload native modules")
	}
	if err != nil {
		log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
	log.Info().Msg("bridge exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	hub := events.NewHub()
	conf := backend.New(backend.Config{
		URL:          cfg.SignalURL,
		ICEServers:   cfg.ICEServers,
		Devices:      cfg.Devices,
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		SpatialLimit: cfg.SpatialLimit,
	})
	defer conf.Close()

	sess := session.New(session.Params{
		Conference:      conf,
		Hub:             hub,
		SpatialInterval: cfg.SpatialInterval,
	})

	r := router.SetupRouter(ctx, cfg, sess, stream.NewController(hub, cfg.ReadLimit, cfg.PingPeriod))
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("voice bridge started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		disconnectCtx, disconnectCancel := context.WithTimeout(shutdownCtx, 2*time.Second)
		defer disconnectCancel()
		if err := sess.Disconnect(disconnectCtx); err != nil {
			log.Error().Err(err).Msg("disconnect on shutdown")
		}
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Token != "" {
		g.Go(func() error {
			return autostart(ctx, cfg, sess)
		})
	}
	return g.Wait()
}

// autostart initializes with the configured token and, when both names are
// configured, joins the conference. A missing or rejected token is fatal.
func autostart(ctx context.Context, cfg *config.Config, sess *session.Session) error {
	if err := sess.SetToken(ctx, cfg.Token); err != nil {
		return fmt.Errorf("initialize with configured token: %w", err)
	}
	if cfg.Conference == "" || cfg.User == "" {
		return nil
	}
	if err := sess.Connect(ctx, cfg.Conference, cfg.User); err != nil {
		log.Error().Err(err).Str("conference", cfg.Conference).Msg("autostart connect")
	}
	return nil
}
