// Package main provides the CareLake core merger.
//
// The merger takes one completed staging load run and applies it to the core
// dimensional schema: SCD2 dimensions first, then facts with resolved
// surrogate keys, recording an idempotent audit trail per extract type.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/carelake-io/carelake/internal/dimension"
	"github.com/carelake-io/carelake/internal/fact"
	"github.com/carelake-io/carelake/internal/merge"
	"github.com/carelake-io/carelake/internal/resolver"
	"github.com/carelake-io/carelake/internal/staging"
	"github.com/carelake-io/carelake/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "carelake-merger"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	loadRunFlag := flag.String("load-run", "", "load run ID to merge (required)")
	extractsFlag := flag.String("extract-types", "", "comma-separated extract types (default: all)")
	dryRunFlag := flag.Bool("dry-run", false, "classify and count without writing")
	forceFlag := flag.Bool("force", false, "re-merge extracts that already completed")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	loadRunID, err := uuid.Parse(*loadRunFlag)
	if err != nil {
		log.Printf("invalid -load-run %q: %v\n", *loadRunFlag, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg := merge.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting core merger",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("load_run", loadRunID.String()),
		slog.Bool("dry_run", *dryRunFlag),
		slog.Bool("force", *forceFlag),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	orchestrator, keys, publisher, err := wire(conn, cfg, logger)
	if err != nil {
		logger.Error("Failed to wire merger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	keys.Start()
	defer keys.Stop()

	if publisher != nil {
		defer func() {
			_ = publisher.Close()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, mergeErr := orchestrator.Merge(ctx, merge.Options{
		LoadRunID:    loadRunID,
		ExtractTypes: splitExtracts(*extractsFlag),
		DryRun:       *dryRunFlag,
		Force:        *forceFlag,
	})

	if result != nil {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(payload))
		}
	}

	if mergeErr != nil {
		logger.Error("Merge failed", slog.String("error", mergeErr.Error()))
		os.Exit(1)
	}

	logger.Info("Merge completed",
		slog.Int64("rows_processed", result.RowsProcessed),
		slog.Int64("rows_written", result.RowsWritten),
		slog.Int64("duration_ms", result.DurationMs),
	)
}

// wire builds the orchestrator and its collaborators on one shared
// connection pool.
func wire(
	conn *storage.Connection,
	cfg *merge.Config,
	logger *slog.Logger,
) (*merge.Orchestrator, *resolver.Resolver, *merge.Publisher, error) {
	dimensions, err := dimension.NewRegistry()
	if err != nil {
		return nil, nil, nil, err
	}

	facts, err := fact.NewRegistry()
	if err != nil {
		return nil, nil, nil, err
	}

	runs, err := staging.NewRunService(conn)
	if err != nil {
		return nil, nil, nil, err
	}

	source, err := resolver.NewDimensionSource(conn, dimensions)
	if err != nil {
		return nil, nil, nil, err
	}

	keys := resolver.New(source, logger, resolver.Options{
		TTL:             cfg.CacheTTL,
		Capacity:        cfg.CacheCapacity,
		RefreshInterval: cfg.CacheRefreshInterval,
	})

	dimLoader, err := dimension.NewLoader(conn, logger, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	factLoader, err := fact.NewLoader(conn, keys, logger, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	recorder, err := merge.NewRunStore(conn)
	if err != nil {
		return nil, nil, nil, err
	}

	var publisher *merge.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = merge.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)

		logger.Info("Merge event publishing enabled",
			slog.String("topic", cfg.KafkaTopic),
			slog.Int("brokers", len(cfg.KafkaBrokers)),
		)
	}

	orchestrator := merge.NewOrchestrator(
		cfg, conn, runs, dimensions, facts,
		dimLoader, factLoader, recorder, keys, eventPublisher(publisher),
		logger, nil,
	)

	return orchestrator, keys, publisher, nil
}

// eventPublisher keeps a nil *merge.Publisher from becoming a non-nil
// interface inside the orchestrator.
func eventPublisher(p *merge.Publisher) merge.EventPublisher {
	if p == nil {
		return nil
	}

	return p
}

// splitExtracts parses the comma-separated extract list.
func splitExtracts(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	extracts := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			extracts = append(extracts, trimmed)
		}
	}

	return extracts
}
