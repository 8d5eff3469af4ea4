// Package main provides an operator CLI for the fact cache.
// Usage:
//
//	factctl verify -stale-days=30
//	factctl verify -ids=rec-1,rec-2
//	factctl verify -all
//	factctl import -file=records.json
//	factctl gc
//
// Configuration is loaded the same way as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"factcache/config"
	"factcache/internal/cache"
	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/logging"
	"factcache/internal/upstream"
	"factcache/internal/verify"
)

const usage = `usage: factctl <command> [flags]

commands:
  verify   re-verify catalog records (-ids, -stale-days or -all)
  import   upsert catalog records from a JSON file (-file)
  gc       delete cache entries past the retention window
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("factctl failed", "error", err)
		os.Exit(1)
	}
}

// run dispatches one subcommand. Reports are written to out as JSON.
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Logging)

	switch args[0] {
	case "verify":
		return runVerify(ctx, cfg, args[1:], out)
	case "import":
		return runImport(ctx, cfg, args[1:], out)
	case "gc":
		return runGC(ctx, cfg, args[1:], out)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runVerify(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	ids := fs.String("ids", "", "Comma-separated record ids")
	staleDays := fs.Int("stale-days", -1, "Verify records not auto-verified for this many days")
	all := fs.Bool("all", false, "Verify every record")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sel := verify.Selection{All: *all}
	if *ids != "" {
		sel.IDs = splitIDs(*ids)
	}
	if *staleDays >= 0 {
		sel.StaleDays = staleDays
	}
	if err := sel.Validate(); err != nil {
		return err
	}

	result, err := catalog.New(ctx, cache.BuildStorageConfig(cfg))
	if err != nil {
		return err
	}
	defer result.Close()

	fetcher, err := upstream.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initialize upstream: %w", err)
	}
	v, err := verify.New(result.Store, fetcher, verify.ConfigFrom(cfg.Verify))
	if err != nil {
		return err
	}

	report, err := v.Verify(ctx, sel)
	if report != nil {
		if encErr := writeJSON(out, report); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	if reportErr := report.Err(); core.IsType(reportErr, core.ErrorTypeBatchTimeout) {
		slog.Warn("sweep incomplete", "error", reportErr)
	}
	return nil
}

func runImport(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	file := fs.String("file", "", "JSON file holding an array of records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}

	records, err := readRecords(*file)
	if err != nil {
		return err
	}

	result, err := catalog.New(ctx, cache.BuildStorageConfig(cfg))
	if err != nil {
		return err
	}
	defer result.Close()

	imported := 0
	for _, rec := range records {
		if err := result.Store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("import %s: %w", rec.ID, err)
		}
		imported++
	}
	slog.Info("records imported", "count", imported, "file", *file)
	return writeJSON(out, map[string]int{"imported": imported})
}

func runGC(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	retention := fs.Duration("retention", cfg.Cache.Retention, "Keep expired entries for this long")
	if err := fs.Parse(args); err != nil {
		return err
	}

	result, err := cache.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer result.Close()

	removed, err := cache.Sweep(ctx, result.Store, *retention, time.Now())
	if err != nil {
		return fmt.Errorf("sweep cache: %w", err)
	}
	return writeJSON(out, map[string]int64{"removed": removed})
}

func readRecords(path string) ([]*catalog.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var records []*catalog.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
