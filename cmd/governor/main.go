package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/governor/internal/auth"
	"github.com/AlexKimmel/governor/internal/config"
	"github.com/AlexKimmel/governor/internal/gateway"
	"github.com/AlexKimmel/governor/internal/obs"
	"github.com/AlexKimmel/governor/internal/proxy"
	"github.com/AlexKimmel/governor/internal/ratelimit"
	"github.com/AlexKimmel/governor/internal/ratelimit/memory"
	redisstore "github.com/AlexKimmel/governor/internal/ratelimit/redis"
	"github.com/AlexKimmel/governor/internal/routing"
	"github.com/AlexKimmel/governor/internal/rules"
)

// set with -ldflags "-X main.version=..."
var version = "v0.1.0"

const janitorInterval = time.Minute

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the governor config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Str("config", *configPath).Msg("starting governor")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("governor stopped")
	}
	logger.Info().Msg("bye")
}

func run(cfg *config.Root, logger zerolog.Logger) error {
	table, err := loadTable(cfg, logger)
	if err != nil {
		return fmt.Errorf("load rate rules: %w", err)
	}
	matcher := routing.NewMatcher(table)
	logger.Info().
		Int("general", len(table.General)).
		Int("overrides", len(table.Projects)).
		Msg("rate rules loaded")

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(parent)

	var store ratelimit.Store
	switch cfg.Store.Backend {
	case config.BackendMemory:
		mem := memory.New()
		store = mem
		g.Go(func() error { return mem.Janitor(ctx, janitorInterval) })
		if cfg.Store.NodeCount > 1 {
			logger.Warn().
				Int("node_count", cfg.Store.NodeCount).
				Msg("approximate, uncoordinated limiting: every node enforces limits divided by node_count")
		}
	default:
		rs, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.KeyPrefix,
		}, redisstore.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		defer rs.Close()

		pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rs.Ping(pctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Store.Redis.Addr).
				Msg("counter store unreachable at startup, requests fail open until it recovers")
		}
		pcancel()
		store = rs
	}

	limiter := ratelimit.NewBucket(store,
		ratelimit.WithSleepOffset(cfg.Governor.SleepOffset()),
		ratelimit.WithTimeout(cfg.Store.Timeout()),
		ratelimit.WithLogger(logger),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	upstream, err := proxy.Handler(cfg.Upstream.URL, cfg.Upstream.Timeout(), proxy.NewHTTPTransport(), logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", upstream)

	skip := cfg.Governor.Skip()
	handler := gateway.Chain(
		mux,
		obs.Logger(logger, skip),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.Governor(gateway.Options{
			Identity:       auth.NewIdentity(cfg.Governor.ProjectHeader),
			Matcher:        matcher,
			Limiter:        limiter,
			Logger:         logger,
			RejectCooldown: cfg.Governor.RejectCooldown(),
			SkipPaths:      skip,
			OnDecision:     metrics.ObserveDecision,
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("upstream", cfg.Upstream.URL).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					_ = reloadRules(cfg, matcher, logger)
					continue
				}
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
				return nil
			}
		}
	})

	return g.Wait()
}

// loadTable reads both rule documents. With the memory backend and more than
// one node, every rule is divided by the node count.
func loadTable(cfg *config.Root, logger zerolog.Logger) (*rules.Table, error) {
	t, err := rules.Load(cfg.Governor.RatesFile, cfg.Governor.ProjectRatesFile, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == config.BackendMemory {
		t = t.Scaled(cfg.Store.NodeCount)
	}
	return t, nil
}

// reloadRules swaps in freshly loaded rules. On failure the current rules stay
// in place.
func reloadRules(cfg *config.Root, matcher *routing.Matcher, logger zerolog.Logger) error {
	t, err := loadTable(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("reload rate rules failed, keeping current rules")
		return err
	}
	matcher.Swap(t)
	logger.Info().
		Int("general", len(t.General)).
		Int("overrides", len(t.Projects)).
		Msg("rate rules reloaded")
	return nil
}
