package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/FranksOps/adscan/internal/report"
	"github.com/FranksOps/adscan/internal/scan"
	"github.com/spf13/cobra"
)

type scanOptions struct {
	format     string
	output     string
	input      string
	noRegistry bool
}

func newScanCmd(a *app) *cobra.Command {
	var opts scanOptions

	cmd := &cobra.Command{
		Use:   "scan [origin...]",
		Short: "Scan origins for brand lines and print a report",
		Example: `  adscan scan example.com https://news.example
  adscan scan --input origins.txt --format csv --output report.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := append([]string(nil), args...)
			if opts.input != "" {
				lines, err := readOrigins(opts.input, cmd.InOrStdin())
				if err != nil {
					return err
				}
				inputs = append(inputs, lines...)
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no origins given")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if opts.output != "" {
				f, err := os.Create(opts.output)
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return a.scan(ctx, inputs, opts, out)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.format, "format", "f", "text", "report format (text, json, csv, html)")
	f.StringVarP(&opts.output, "output", "o", "", "write the report to a file instead of stdout")
	f.StringVarP(&opts.input, "input", "i", "", "read origins from a file, one per line (- for stdin)")
	f.BoolVar(&opts.noRegistry, "no-registry", false, "skip seller matching against the registry")
	f.Int("concurrency", 0, "origins scanned in parallel")
	f.Bool("robots", false, "skip origins whose robots.txt disallows /ads.txt")
	return cmd
}

func (a *app) scan(ctx context.Context, inputs []string, opts scanOptions, out io.Writer) error {
	probeFetcher, err := a.newFetcher(probeFetch)
	if err != nil {
		return err
	}
	fallbackFetcher, err := a.newFetcher(fallbackFetch)
	if err != nil {
		return err
	}
	robotsFetcher, err := a.newFetcher(registryFetch)
	if err != nil {
		return err
	}

	var (
		matcher   report.Matcher
		fetchedAt time.Time
		shownURL  string
	)
	registryURL := a.cfg.Registry.URL

	if !opts.noRegistry {
		cache, store, err := a.openRegistry(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		defer cache.Wait()

		// Get kicks off a refresh when stale; wait for it so matching sees it.
		cache.Get(ctx)
		cache.Wait()
		if err := cache.LastError(); err != nil {
			a.logger.Warn("registry unavailable, sellers will not be matched", "err", err)
		}

		registryURL = cache.URL()
		shownURL = registryURL
		fetchedAt = cache.Snapshot().FetchedAt
		matcher = cache
	}

	brand := a.brand(registryURL)
	inspector := &scan.Inspector{
		Probe:    scan.HTTPProbe{Fetcher: probeFetcher},
		Fallback: fallbackFetcher,
		Brand:    brand,
		Timeout:  a.cfg.Scan.ProbeTimeout,
		Logger:   a.logger,
	}
	batch := scan.NewBatch(scan.BatchConfig{
		Concurrency:       a.cfg.Scan.Concurrency,
		RespectRobots:     a.cfg.Scan.RespectRobots,
		UserAgent:         a.cfg.Fetch.UserAgent,
		RequestsPerSecond: a.cfg.Fetch.RequestsPerSecond,
		Jitter:            a.cfg.Fetch.Jitter,
	}, inspector, robotsFetcher, a.logger)

	start := time.Now()
	results, runErr := batch.Run(ctx, inputs)
	a.logger.Info("scan finished", "origins", len(results), "duration", time.Since(start))

	summary := report.Build(results, matcher)
	summary.Brand = brand.String()
	summary.RegistryURL = shownURL
	summary.RegistryFetchedAt = fetchedAt
	summary.GeneratedAt = time.Now()

	if err := report.Write(out, opts.format, summary); err != nil {
		return err
	}
	return runErr
}

// readOrigins reads one origin per line, skipping blanks and # comments.
func readOrigins(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var origins []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		origins = append(origins, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return origins, nil
}
