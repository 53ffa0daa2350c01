// Command media-cache runs the tiered media cache with its diagnostics HTTP
// server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/engine"
	"github.com/wolfeidau/media-cache/evict"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/telemetry"
)

var cli struct {
	Address  string `help:"Address to listen on." default:":8080"`
	CacheDir string `help:"Cache directory path." default:"./media-cache" type:"path"`

	ImageMaxBytes     int64 `help:"Byte budget for the image class." default:"268435456"`
	ImageMaxItems     int64 `help:"Item budget for the image class." default:"2048"`
	ThumbnailMaxBytes int64 `help:"Byte budget for the thumbnail class." default:"67108864"`
	ThumbnailMaxItems int64 `help:"Item budget for the thumbnail class." default:"4096"`
	VideoMaxBytes     int64 `help:"Byte budget for the video class." default:"1073741824"`
	VideoMaxItems     int64 `help:"Item budget for the video class." default:"64"`

	FetchTimeout  time.Duration `help:"Timeout for a single upstream fetch attempt." default:"30s"`
	GracePeriod   time.Duration `help:"Window protecting recently accessed entries from eviction." default:"30s"`
	SweepInterval time.Duration `help:"Interval between background eviction sweeps." default:"5m"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)."`
	Prometheus   bool   `help:"Enable the Prometheus /metrics endpoint."`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("Tiered media caching engine with a diagnostics HTTP surface."))
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.OTLPEndpoint != "" || cli.Prometheus {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "media-cache",
			OTLPEndpoint:     cli.OTLPEndpoint,
			EnablePrometheus: cli.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	cfg := engine.DefaultConfig(cli.CacheDir)
	cfg.Budgets = map[mediacache.AssetClass]evict.Budget{
		mediacache.ClassImage:     {MaxBytes: cli.ImageMaxBytes, MaxItems: cli.ImageMaxItems},
		mediacache.ClassThumbnail: {MaxBytes: cli.ThumbnailMaxBytes, MaxItems: cli.ThumbnailMaxItems},
		mediacache.ClassVideo:     {MaxBytes: cli.VideoMaxBytes, MaxItems: cli.VideoMaxItems},
	}
	cfg.FetchTimeout = cli.FetchTimeout
	cfg.GracePeriod = cli.GracePeriod
	cfg.SweepInterval = cli.SweepInterval
	cfg.Logger = logger

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	srv := server.New(server.Config{
		Address: cli.Address,
		Logger:  logger,
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("media cache started",
		"address", srv.Address(),
		"cache_dir", cli.CacheDir,
		"persistence_disabled", eng.PersistenceDisabled())

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cli.LogLevel, err)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(handler), nil
}
