package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vedran77/chatsync/internal/auth"
	"github.com/vedran77/chatsync/internal/config"
	"github.com/vedran77/chatsync/internal/connection"
	"github.com/vedran77/chatsync/internal/database"
	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/engine"
	"github.com/vedran77/chatsync/internal/metrics"
	postgresrepo "github.com/vedran77/chatsync/internal/repository/postgres"
	"github.com/vedran77/chatsync/internal/transport"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

const devTokenTTL = time.Hour

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log.Level(level).With().Timestamp().Logger()
}

// accessToken returns the configured token, or mints a development token
// when only the shared secret is known.
func accessToken(cfg *config.Config) (string, error) {
	if cfg.AccessToken != "" {
		return cfg.AccessToken, nil
	}
	if cfg.JWTSecret == "" {
		return "", auth.ErrMissingToken
	}
	return auth.IssueDevToken(cfg.JWTSecret, cfg.Identity().Primary().Value, devTokenTTL)
}

type app struct {
	engine  *engine.Engine
	metrics *http.Server
	close   func()
}

type buildOptions struct {
	onChange func(engine.Change)
	restore  bool
}

// buildEngine wires the transport, the optional mirror database and the
// metrics registry into an engine.
func buildEngine(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts buildOptions) (*app, error) {
	token, err := accessToken(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	engineOpts := engine.Options{
		Identity: cfg.Identity(),
		NewTransport: func(sink transport.Sink) transport.Transport {
			return ws.NewClient(cfg.ServerURL, auth.Source(token), sink, log)
		},
		RequestTimeout: cfg.RequestTimeout,
		SendTimeout:    cfg.SendTimeout,
		AutoReconnect:  cfg.AutoReconnect,
		Backoff: connection.Backoff{
			Initial:     cfg.Reconnect.Initial,
			Max:         cfg.Reconnect.Max,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Metrics:  metrics.New(reg),
		OnChange: opts.onChange,
	}

	a := &app{close: func() {}}
	if cfg.DB.Enabled() {
		pool, err := database.Connect(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info().Str("host", cfg.DB.Host).Msg("Connected to mirror database")
		engineOpts.Repository = postgresrepo.NewMirrorRepo(pool)
		a.close = pool.Close
	}

	a.engine = engine.New(engineOpts, log)
	if opts.restore {
		if err := a.engine.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not restore mirror")
		}
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}
	return a, nil
}

func (a *app) shutdown(log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server did not shut down cleanly")
		}
	}
	a.close()
}

// start runs the engine in the background and waits until it is connected.
// The returned func stops it and waits for Run to return.
func (a *app) start(ctx context.Context, wait time.Duration) (func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.engine.Run(runCtx) }()

	stop := func() {
		cancel()
		<-done
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, wait)
	defer waitCancel()
	for {
		err := a.engine.WaitForState(waitCtx, domain.Connected)
		if !errors.Is(err, engine.ErrNotRunning) {
			if err != nil {
				stop()
				return nil, err
			}
			return stop, nil
		}
		select {
		case <-waitCtx.Done():
			stop()
			return nil, waitCtx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
