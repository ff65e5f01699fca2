package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aliveevie/fennac-markets/internal/api"
	"github.com/aliveevie/fennac-markets/internal/platform"
	"github.com/aliveevie/fennac-markets/internal/polymarket"
	"github.com/aliveevie/fennac-markets/internal/polymarket/clob"
	"github.com/aliveevie/fennac-markets/internal/polymarket/gamma"
	"github.com/aliveevie/fennac-markets/internal/quote"
	"github.com/aliveevie/fennac-markets/internal/trading"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/gateway/config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to optional env file with signing secrets")
	flag.Parse()

	cfg, err := readConfig(configPath, envPath)
	if err != nil {
		log.Fatalf("Couldn't read config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	pm := cfg.Polymarket
	if pm.PrivateKey.PrivateKey == nil {
		logger.Warn("no signing key configured, client initialization will fail", "env", envPrivateKey)
	}

	markets := gamma.New(pm.GammaURL, cfg.requestTimeout())
	exchange := clob.New(pm.ClobURL, pm.ChainID, cfg.requestTimeout())

	factory := trading.NewFactory(exchange, trading.FactoryConfig{
		Key:           pm.PrivateKey.PrivateKey,
		Funder:        pm.FunderAddress.Address,
		SignatureType: pm.SignatureType,
		ChainID:       pm.ChainID,
	}, logger)

	deps := api.Deps{
		Session:  trading.NewSession(factory, logger),
		Resolver: trading.NewResolver(markets, logger),
		Markets:  markets,
	}

	var feed platform.Platform
	if cfg.Quotes.Enabled {
		book := quote.NewBook()
		feed = polymarket.NewFeed(polymarket.Config{
			WebsocketURL:   pm.WebsocketURL,
			ReconnectDelay: cfg.Quotes.ReconnectDelay.Duration(),
		}, book, logger)
		deps.Quotes = book
		deps.Feed = feed
	}

	server := api.NewServer(api.Config{AllowedOrigins: cfg.HTTP.AllowedOrigins}, deps, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(server.Hub().Run(ctx))
	})

	if feed != nil {
		g.Go(func() error {
			return ignoreCanceled(feed.Start(ctx))
		})
	}

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.HTTP.Addr, "chain_id", pm.ChainID, "quotes", cfg.Quotes.Enabled)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if feed != nil {
			if err := feed.Stop(shutdownCtx); err != nil {
				logger.Warn("couldn't close market feed", "error", err)
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
