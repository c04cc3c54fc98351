// Package refresh walks a fixture tree and re-downloads every fixture whose
// identifier maps to a fetchable URL.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theroutercompany/fixturerefresh/internal/fixture"
	"github.com/theroutercompany/fixturerefresh/pkg/metrics"
)

// ErrInvalidBody indicates the upstream response was not valid JSON.
var ErrInvalidBody = errors.New("response body is not valid JSON")

// Refresher replaces matching fixtures with freshly fetched records.
type Refresher struct {
	Fetcher *Fetcher
	// BaseURL is prefixed to every reconstructed record path.
	BaseURL     string
	Concurrency int
	// Indent re-indents responses when set; otherwise they are compacted.
	Indent string
	DryRun bool
	// Diff records a before/after rendering for every changed fixture.
	Diff    bool
	Logger  *zap.SugaredLogger
	Metrics *metrics.Registry
}

// Run walks root and refreshes every matching fixture. Per-file failures are
// recorded in the Summary and never stop the walk; the returned error is
// reserved for an unreadable root or a cancelled context.
func (r *Refresher) Run(ctx context.Context, root string) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: uuid.NewString(), Root: root}

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("run_id", summary.RunID, "root", root)

	paths, walkFailures, err := collect(root)
	if err != nil {
		return summary, fmt.Errorf("walk %s: %w", root, err)
	}
	summary.Matched = len(paths)
	logger.Infow("fixture walk complete", "matched", len(paths))

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]Result, len(paths))
	sem := make(chan struct{}, concurrency)
	wg := sync.WaitGroup{}

	for i, path := range paths {
		if ctx.Err() != nil {
			results[i] = Result{Path: path, Outcome: OutcomeFailed, Err: ctx.Err()}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, p string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = r.refreshFile(ctx, logger, p)
		}(i, path)
	}
	wg.Wait()

	for _, res := range walkFailures {
		summary.add(res)
	}
	for _, res := range results {
		summary.add(res)
	}
	slices.SortStableFunc(summary.Results, func(a, b Result) int {
		return strings.Compare(a.Path, b.Path)
	})
	for _, res := range summary.Results {
		r.Metrics.ObserveFile(string(res.Outcome))
	}
	r.Metrics.MarkRunComplete(time.Now())

	summary.Duration = time.Since(start)
	logger.Infow("fixture refresh complete",
		"refreshed", summary.Refreshed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"dry_run", r.DryRun,
		"duration", summary.Duration,
	)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// collect returns matching fixture paths in lexical order. Unreadable
// subdirectories are reported as failed results rather than aborting.
func collect(root string) ([]string, []Result, error) {
	var (
		paths    []string
		failures []Result
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			failures = append(failures, Result{Path: path, Outcome: OutcomeFailed, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !fixture.MatchName(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return paths, failures, nil
}

func (r *Refresher) refreshFile(ctx context.Context, logger *zap.SugaredLogger, path string) Result {
	res := Result{Path: path}
	fail := func(err error) Result {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Warnw("fixture refresh failed", "path", path, "url", res.URL, "error", err)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	previous, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read fixture: %w", err))
	}

	target, err := fixture.ReconstructFile(filepath.Base(path), filepath.Dir(path), r.BaseURL)
	if err != nil {
		return fail(fmt.Errorf("reconstruct url: %w", err))
	}
	res.URL = target
	logger.Debugw("reconstructed fixture url", "path", path, "url", target)

	if !strings.Contains(target, "http") {
		res.Outcome = OutcomeSkipped
		logger.Infow("fixture skipped, identifier is not a URL", "path", path, "url", target)
		return res
	}

	fetcher := r.Fetcher
	if fetcher == nil {
		fetcher = &Fetcher{}
	}

	fetchStart := time.Now()
	body, err := fetcher.Fetch(ctx, target)
	res.Latency = time.Since(fetchStart)
	r.Metrics.ObserveFetch(res.Latency)
	if err != nil {
		return fail(fmt.Errorf("fetch: %w", err))
	}

	data, err := r.serialize(body)
	if err != nil {
		return fail(err)
	}

	res.Changed = recordChanged(previous, data)
	if r.Diff && res.Changed {
		res.Diff = diffRecord(previous, data)
	}

	if !r.DryRun {
		if err := replaceFile(path, data); err != nil {
			return fail(fmt.Errorf("write fixture: %w", err))
		}
		res.Written = true
	}

	res.Outcome = OutcomeRefreshed
	logger.Infow("fixture refreshed",
		"path", path,
		"url", target,
		"bytes", len(data),
		"changed", res.Changed,
		"latency", res.Latency,
		"written", res.Written,
	)
	return res
}

// serialize keeps the upstream key order: the body is only compacted or
// re-indented, never decoded into Go values.
func (r *Refresher) serialize(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if r.Indent == "" {
		err = json.Compact(&buf, body)
	} else {
		err = json.Indent(&buf, body, "", r.Indent)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if buf.Len() == 0 {
		return nil, ErrInvalidBody
	}
	return buf.Bytes(), nil
}
