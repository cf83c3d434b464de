package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/builder"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/config"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/crawler"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/manifest"
	"github.com/kristianthraneapply/ApplyWebsiteCrawledJan2025/internal/storage"
)

const usage = `usage: mirror <command> [flags]

commands:
  crawl   capture pages and assets, writing the manifest
  build   assemble the static site from a previous crawl's manifest
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath := fs.String("config", "configs/config.yaml", "Path to mirror configuration file")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "crawl":
		err = runCrawl(ctx, cfg, logger)
	case "build":
		err = runBuild(ctx, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// runCrawl executes the capture phase. Per-page and per-asset failures
// are recorded in the manifest and reported, not fatal; the crawl exits
// non-zero only when it could not run at all or could not persist the
// manifest.
func runCrawl(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var archive storage.PageArchive
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlArchive, err := storage.NewSQLArchive(cfg.DB)
		if err != nil {
			return fmt.Errorf("open page archive: %w", err)
		}
		archive = sqlArchive
	}

	engine, err := crawler.NewEngine(cfg, archive, logger)
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}
	defer engine.Close()

	man, err := engine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	summary := man.Summarise()
	for _, u := range summary.Failures {
		logger.Warn("asset never downloaded", "url", u)
	}
	return nil
}

func runBuild(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	man, err := manifest.Load(cfg.Storage.ManifestPath)
	if err != nil {
		return err
	}

	src, err := storage.NewFileStore(cfg.Storage.WorkDir)
	if err != nil {
		return fmt.Errorf("open crawl store: %w", err)
	}
	dst, err := storage.NewFileStore(cfg.Build.OutputDir)
	if err != nil {
		return fmt.Errorf("open output store: %w", err)
	}
	if _, err := builder.New(man, src, dst, logger).Build(ctx); err != nil {
		return err
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
