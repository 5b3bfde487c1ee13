// Package main provides the prstats command-line tool for aggregating
// GitHub pull request timelines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Yahyaali1/crispy-pr-stats-git/pkg/export"
	"github.com/Yahyaali1/crispy-pr-stats-git/pkg/prstats"
)

func main() {
	repoSpec := flag.String("repo", "", "Repository in owner/name format")
	configPath := flag.String("config", "", "Path to YAML config file")
	output := flag.String("output", "", "Output file (default stdout)")
	format := flag.String("format", "json", "Output format: json or csv")
	from := flag.String("from", "", "Only include PRs created on or after this date (YYYY-MM-DD)")
	to := flag.String("to", "", "Only include PRs created on or before this date (YYYY-MM-DD)")
	author := flag.String("author", "", "Only include PRs by this author")
	force := flag.Bool("force", false, "Full re-fetch, ignoring stored cursors")
	noCheckpoint := flag.Bool("no-checkpoint", false, "Do not persist sync state between runs")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if *repoSpec == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s --repo owner/name [flags]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	owner, repo, err := splitRepo(*repoSpec)
	if err != nil {
		log.Printf("Invalid repository: %v", err)
		os.Exit(1)
	}

	// A .env file is optional; the environment wins either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := prstats.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if cfg.Token == "" {
		log.Print("No GitHub token configured (set GITHUB_TOKEN)")
		os.Exit(1)
	}
	if *force {
		cfg.Force = true
	}
	if *noCheckpoint {
		cfg.NoCheckpoint = true
	}
	if *author != "" {
		cfg.Filters.Author = *author
	}
	if err := applyDateFilters(cfg, *from, *to); err != nil {
		log.Printf("Invalid date filter: %v", err)
		os.Exit(1)
	}

	engine, err := prstats.New(*cfg, prstats.WithLogger(slog.Default()))
	if err != nil {
		log.Printf("Failed to create engine: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := engine.SyncRepository(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, context.Canceled) && len(records) > 0 {
			log.Printf("Interrupted; writing %d records synced so far", len(records))
		} else {
			log.Printf("Sync failed: %v", err)
			os.Exit(1)
		}
	}

	out := os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			log.Printf("Failed to create output file: %v", err)
			os.Exit(1)
		}
		defer file.Close()
		out = file
	}

	switch *format {
	case "json":
		err = export.JSON(out, *repoSpec, records)
	case "csv":
		err = export.CSV(out, records)
	default:
		log.Printf("Unknown format: %s", *format)
		os.Exit(1)
	}
	if err != nil {
		log.Printf("Export failed: %v", err)
		os.Exit(1)
	}
}

func splitRepo(spec string) (owner, repo string, err error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("expected owner/name")
	}
	return parts[0], parts[1], nil
}

func applyDateFilters(cfg *prstats.Config, from, to string) error {
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return err
		}
		cfg.Filters.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return err
		}
		// Inclusive through the end of the day.
		cfg.Filters.To = t.Add(24*time.Hour - time.Second)
	}
	return nil
}
