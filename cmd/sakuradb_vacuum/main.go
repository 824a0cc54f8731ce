// Command sakuradb_vacuum runs a tombstone-collection pass over a SakuraDB
// tree index file. Dead rows are supplied as a text file with one row ID per
// line; every index entry referencing one of them is removed, and pages that
// empty out are reclaimed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sakuradb/sakuradb/core/indexing/gtree"
	internaltelemetry "github.com/sakuradb/sakuradb/internal/telemetry"
	"github.com/sakuradb/sakuradb/pkg/logger"
	"github.com/sakuradb/sakuradb/pkg/telemetry"
)

func main() {
	dbPath := flag.String("db", "", "Path to the index database file (required)")
	walDir := flag.String("wal", "", "Directory for the write-ahead log; empty runs without durable logging")
	deadRowsPath := flag.String("dead-rows", "", "File listing dead row IDs, one decimal ID per line (required)")
	memLimit := flag.Int64("mem-limit", 0, "Bookkeeping memory ceiling in bytes; 0 means unlimited")
	pagesPerSec := flag.Float64("pages-per-sec", 0, "Throttle page visits to this rate; 0 disables throttling")
	logLevel := flag.String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	metricsPort := flag.Int("metrics-port", 0, "Expose Prometheus metrics on this port; 0 disables telemetry")
	flag.Parse()

	if *dbPath == "" || *deadRowsPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *dbPath, *walDir, *deadRowsPath, *memLimit, *pagesPerSec, *metricsPort); err != nil {
		log.Fatal("vacuum failed", zap.Error(err))
	}
}

func run(log *zap.Logger, dbPath, walDir, deadRowsPath string, memLimit int64, pagesPerSec float64, metricsPort int) error {
	deadRows, err := loadDeadRows(deadRowsPath)
	if err != nil {
		return fmt.Errorf("failed to load dead row list: %w", err)
	}
	log.Info("loaded dead row list", zap.Int("rows", len(deadRows)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        metricsPort > 0,
		ServiceName:    "sakuradb_vacuum",
		PrometheusPort: metricsPort,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telShutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewVacuumMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register vacuum metrics: %w", err)
	}

	tree, err := gtree.Open(gtree.Config{
		Path:   dbPath,
		WALDir: walDir,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer func() {
		if err := tree.Close(); err != nil {
			log.Warn("failed to close index cleanly", zap.Error(err))
		}
	}()

	cfg := gtree.VacuumConfig{
		MemoryLimitBytes: memLimit,
		Metrics:          metrics,
	}
	if pagesPerSec > 0 {
		cfg.Throttle = rate.NewLimiter(rate.Limit(pagesPerSec), 1)
	}

	stats, err := tree.BulkDelete(ctx, cfg, func(row gtree.RowID) bool {
		_, dead := deadRows[row]
		return dead
	})
	if err != nil {
		return err
	}
	if stats, err = tree.VacuumCleanup(ctx, stats); err != nil {
		return err
	}

	fmt.Printf("tuples removed:  %d\n", stats.TuplesRemoved)
	fmt.Printf("tuples live:     %d\n", stats.LiveTuples)
	fmt.Printf("pages deleted:   %d\n", stats.PagesDeleted)
	fmt.Printf("pages free:      %d\n", stats.PagesFree)
	fmt.Printf("pages total:     %d\n", stats.TotalPages)
	return nil
}

// loadDeadRows reads the dead row list: one decimal row ID per line, blank
// lines and '#' comments ignored.
func loadDeadRows(path string) (map[gtree.RowID]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rows := make(map[gtree.RowID]struct{})
	scanner := bufio.NewScanner(file)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid row ID %q: %w", lineno, line, err)
		}
		rows[gtree.RowID(id)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
