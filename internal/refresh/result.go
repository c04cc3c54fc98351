package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/theroutercompany/fixturerefresh/pkg/metrics"
)

// Outcome classifies what happened to a single file.
type Outcome string

const (
	OutcomeRefreshed Outcome = metrics.OutcomeRefreshed
	OutcomeSkipped   Outcome = metrics.OutcomeSkipped
	OutcomeFailed    Outcome = metrics.OutcomeFailed
)

// Result captures the outcome of refreshing a single fixture.
type Result struct {
	Path    string
	URL     string
	Outcome Outcome
	// Written is false for dry runs and for anything that was not refreshed.
	Written bool
	// Changed reports whether the fetched record differs from the previous
	// content once formatting and key order are ignored.
	Changed bool
	Diff    string
	Latency time.Duration
	Err     error
}

// Summary aggregates the results of one run.
type Summary struct {
	RunID     string
	Root      string
	Results   []Result
	Matched   int
	Refreshed int
	Changed   int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

func (s *Summary) add(res Result) {
	s.Results = append(s.Results, res)
	switch res.Outcome {
	case OutcomeRefreshed:
		s.Refreshed++
		if res.Changed {
			s.Changed++
		}
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Failures returns the failed results in walk order.
func (s Summary) Failures() []Result {
	var failed []Result
	for _, res := range s.Results {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err joins every per-file failure, or returns nil when none failed.
func (s Summary) Err() error {
	var errs []error
	for _, res := range s.Failures() {
		errs = append(errs, fmt.Errorf("%s: %w", res.Path, res.Err))
	}
	return errors.Join(errs...)
}
