package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/match"
	"github.com/yarawesome/yarawesome/pkg/metrics"
	"github.com/yarawesome/yarawesome/pkg/namespace"
	"github.com/yarawesome/yarawesome/pkg/rules"
)

// Matcher compiles a combined rule source and scans one file with it.
type Matcher interface {
	CompileAndMatch(ctx context.Context, source, binaryPath string) ([]match.RawMatch, error)
}

// RuleSelector returns the rules a scan names.
type RuleSelector interface {
	Select(ctx context.Context, sel rules.Selection) ([]rules.Rule, error)
}

// Runner drives a scan from created to completed or failed.
type Runner struct {
	store   *Store
	rules   RuleSelector
	matcher Matcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRunner creates a Runner. A nil logger uses slog.Default().
func NewRunner(store *Store, selector RuleSelector, matcher Matcher, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, rules: selector, matcher: matcher, metrics: m, logger: logger}
}

// Run executes a scan. A completed scan is returned unchanged, so redelivered
// tasks do not rescan. Failures are recorded on the scan and returned.
func (r *Runner) Run(ctx context.Context, scanID uint) (*Scan, error) {
	sc, err := r.store.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if sc.State == StateCompleted {
		r.logger.Info("scan already completed", "scanID", sc.ID, "matches", sc.MatchCount)
		return sc, nil
	}

	start := time.Now()
	if err := r.store.MarkRunning(ctx, sc.ID); err != nil {
		return nil, err
	}

	count, runErr := r.execute(ctx, sc)
	if runErr != nil {
		if err := r.store.MarkFailed(ctx, sc.ID, runErr); err != nil {
			r.logger.Error("failed to record scan failure", "scanID", sc.ID, "error", err)
		}
		r.metrics.ScanFinished(string(StateFailed), errs.Kind(runErr), 0, time.Since(start))
		r.logger.Warn("scan failed", "scanID", sc.ID, "kind", errs.Kind(runErr), "error", runErr)
		return nil, fmt.Errorf("scan %d: %w", sc.ID, runErr)
	}

	r.metrics.ScanFinished(string(StateCompleted), errs.Kind(nil), count, time.Since(start))
	r.logger.Info("scan completed", "scanID", sc.ID, "matches", count, "duration", time.Since(start))
	return r.store.Get(ctx, sc.ID)
}

func (r *Runner) execute(ctx context.Context, sc *Scan) (int, error) {
	bin, err := r.store.GetBinary(ctx, sc.BinaryID)
	if err != nil {
		return 0, err
	}

	selected, err := r.rules.Select(ctx, rules.Selection{
		RuleIDs:       sc.RuleIDs,
		CollectionIDs: sc.CollectionIDs,
		Owner:         sc.Owner,
	})
	if err != nil {
		return 0, err
	}
	if len(selected) == 0 {
		return r.store.AttachMatches(ctx, sc, nil)
	}

	combined, err := namespace.Namespace(selected)
	if err != nil {
		return 0, fmt.Errorf("namespace rules: %w", errors.Join(errs.ErrCompile, err))
	}

	raw, err := r.matcher.CompileAndMatch(ctx, combined.Source, bin.Path)
	if err != nil {
		return 0, err
	}

	ids := make([]uint, 0, len(raw))
	for _, m := range raw {
		origin, ok := combined.Resolve(m.Rule)
		if !ok {
			r.logger.Warn("dropping match for unknown rule", "scanID", sc.ID, "name", m.Rule)
			continue
		}
		ids = append(ids, origin.ID)
	}
	return r.store.AttachMatches(ctx, sc, ids)
}
