package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/theroutercompany/fixturerefresh/internal/config"
	"github.com/theroutercompany/fixturerefresh/internal/fixture"
	"github.com/theroutercompany/fixturerefresh/internal/refresh"
	pkglog "github.com/theroutercompany/fixturerefresh/pkg/log"
	"github.com/theroutercompany/fixturerefresh/pkg/metrics"
)

func main() {
	command := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runCommand(args, os.Stdout)
	case "url":
		err = urlCommand(args, os.Stdout)
	case "validate":
		err = validateCommand(args, os.Stdout)
	case "init":
		err = initCommand(args, os.Stdout)
	case "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if syncErr := pkglog.Sync(); syncErr != nil {
		log.Printf("logger sync failed: %v", syncErr)
	}
	if err != nil {
		log.Fatalf("fixturerefresh %s: %v", command, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: fixturerefresh [command] [options]\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run       Re-download every matching fixture (default)\n")
	fmt.Fprintf(os.Stderr, "  url       Print the reconstructed URL for fixture files\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate configuration without touching fixtures\n")
	fmt.Fprintf(os.Stderr, "  init      Generate a config skeleton\n")
}

func runCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to refresher configuration file")
	root := fs.String("root", "", "Fixture directory to walk (overrides config)")
	baseURL := fs.String("base-url", "", "Base URL prefixed to reconstructed paths (overrides config)")
	concurrency := fs.Int("concurrency", 0, "Number of fixtures refreshed in parallel (overrides config)")
	dryRun := fs.Bool("dry-run", false, "Fetch and validate without rewriting fixtures")
	showDiff := fs.Bool("diff", false, "Print previous and fetched content for changed fixtures")
	textfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this file when done")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 && *root == "" {
		*root = fs.Arg(0)
	}

	cfg, err := loadConfig(*configPath, func(cfg *config.Config) {
		if *root != "" {
			cfg.Root = *root
		}
		if *baseURL != "" {
			cfg.BaseURL = *baseURL
		}
		if *concurrency != 0 {
			cfg.Concurrency = *concurrency
		}
		if *dryRun {
			cfg.DryRun = true
		}
		if *textfile != "" {
			cfg.Metrics.Textfile = *textfile
		}
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := pkglog.SetLevel(cfg.Log.Level); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	refresher := newRefresher(cfg, pkglog.Logger(), registry)
	refresher.Diff = *showDiff

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, runErr := refresher.Run(ctx, cfg.Root)

	if err := registry.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		pkglog.Logger().Warnw("metrics textfile write failed", "path", cfg.Metrics.Textfile, "error", err)
	}

	printSummary(out, summary, cfg.DryRun)

	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d fixtures failed", summary.Failed, summary.Failed+summary.Refreshed+summary.Skipped)
	}
	return nil
}

func urlCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("url", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to refresher configuration file")
	dir := fs.String("dir", ".", "Directory containing the fixture files")
	baseURL := fs.String("base-url", "", "Base URL prefixed to reconstructed paths (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one fixture name is required")
	}

	cfg, err := loadConfig(*configPath, func(cfg *config.Config) {
		if *baseURL != "" {
			cfg.BaseURL = *baseURL
		}
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var errs []error
	for _, name := range fs.Args() {
		target, err := fixture.ReconstructFile(name, *dir, cfg.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", name, target)
	}
	return errors.Join(errs...)
}

func validateCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to refresher configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := loadConfig(*configPath, nil); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	fmt.Fprintln(out, "configuration valid")
	return nil
}

func initCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	outputPath := fs.String("path", "fixturerefresh.yaml", "Destination path for generated config")
	force := fs.Bool("force", false, "Overwrite existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*outputPath); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", *outputPath)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(sampleConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(out, "configuration written to %s\n", *outputPath)
	return nil
}

func loadConfig(path string, override func(*config.Config)) (config.Config, error) {
	opts := []config.Option{}
	if strings.TrimSpace(path) != "" {
		opts = append(opts, config.WithPath(path))
	}
	if override != nil {
		opts = append(opts, config.WithOverride(override))
	}
	return config.Load(opts...)
}

func newRefresher(cfg config.Config, logger *zap.SugaredLogger, registry *metrics.Registry) *refresh.Refresher {
	return &refresh.Refresher{
		Fetcher: &refresh.Fetcher{
			Client:    &http.Client{Timeout: cfg.HTTP.Timeout.AsDuration()},
			UserAgent: cfg.HTTP.UserAgent,
			Limiter:   refresh.NewLimiter(cfg.RateLimit.Interval.AsDuration(), cfg.RateLimit.Burst),
		},
		BaseURL:     cfg.BaseURL,
		Concurrency: cfg.Concurrency,
		Indent:      cfg.Indent,
		DryRun:      cfg.DryRun,
		Logger:      logger,
		Metrics:     registry,
	}
}

func printSummary(out io.Writer, summary refresh.Summary, dryRun bool) {
	for _, res := range summary.Results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(out, "[%s] error: %v\n", res.Path, res.Err)
		case res.Diff != "":
			fmt.Fprintf(out, "[%s] changed\n%s", res.Path, res.Diff)
		}
	}

	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "Processed %d fixtures%s: %d refreshed (%d changed), %d skipped, %d failed\n",
		summary.Matched, mode, summary.Refreshed, summary.Changed, summary.Skipped, summary.Failed)
}

const sampleConfigYAML = `# Fixture refresher configuration.
root: ../data/mocks/
baseURL: https://data.getty.edu/

http:
  timeout: 30s
  userAgent: fixturerefresh/1

# Fixtures are independent; raise to refresh several at once.
concurrency: 1

rateLimit:
  interval: 0s
  burst: 1

# Empty keeps responses compact; set to "  " for two-space indentation.
indent: ""
dryRun: false

log:
  level: info

metrics:
  textfile: ""
`
