// Package snapshot takes timestamped batches of per-level risk calculations.
package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/internal/logger"
	"github.com/liamcoop/minerisk/internal/metrics"
	"github.com/liamcoop/minerisk/rules"
)

// DefaultConcurrency is the number of levels computed in parallel
const DefaultConcurrency = 4

// RiskEngine is the part of rules.Engine the orchestrator needs
type RiskEngine interface {
	EnabledRules() ([]*rules.Rule, error)
	Calculate(rc rules.RiskContext, ruleset []*rules.Rule) *rules.RiskCalculation
}

// LevelResult is the outcome for one level. Exactly one of Snapshot or Err is set.
type LevelResult struct {
	Level    Level          `json:"level"`
	Snapshot *LevelSnapshot `json:"snapshot,omitempty"`
	Audit    *audit.Entry   `json:"audit,omitempty"`
	Err      error          `json:"-"`
}

// Result is the outcome of one snapshot run
type Result struct {
	Snapshot        *Snapshot     `json:"snapshot"`
	RuleVersionHash string        `json:"ruleVersionHash"`
	Levels          []LevelResult `json:"levels"`
}

// Failed returns the number of levels that could not be computed or persisted
func (r *Result) Failed() int {
	n := 0
	for _, l := range r.Levels {
		if l.Err != nil {
			n++
		}
	}
	return n
}

// Complete reports whether every level was computed and persisted
func (r *Result) Complete() bool {
	return r.Failed() == 0
}

// Err joins the per-level errors, or returns nil when the snapshot is complete
func (r *Result) Err() error {
	var errs []error
	for _, l := range r.Levels {
		if l.Err != nil {
			errs = append(errs, fmt.Errorf("level %d: %w", l.Level.Number, l.Err))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator runs the engine and auditor for every configured level
type Orchestrator struct {
	engine      RiskEngine
	levels      *LevelsConfig
	contexts    ContextSource
	activities  ActivitySource
	sink        Sink
	publisher   Publisher
	metrics     *metrics.Metrics
	lookback    time.Duration
	concurrency int
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPublisher announces each persisted level snapshot
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithConcurrency bounds how many levels are computed at once
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithActivitySource replaces the static activity lists from the levels config
func WithActivitySource(src ActivitySource) Option {
	return func(o *Orchestrator) { o.activities = src }
}

// NewOrchestrator creates an orchestrator over the given levels
func NewOrchestrator(engine RiskEngine, levels *LevelsConfig, contexts ContextSource, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		levels:      levels,
		contexts:    contexts,
		activities:  levels,
		sink:        sink,
		lookback:    levels.Lookback(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run takes one snapshot at the given instant. It returns an error only when
// nothing could be computed (snapshot creation or ruleset loading failed);
// per-level failures are reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, at time.Time) (*Result, error) {
	start := time.Now()

	ruleset, err := o.engine.EnabledRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load ruleset: %w", err)
	}

	snap := &Snapshot{ID: uuid.NewString(), Timestamp: at}
	if err := o.sink.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	result := &Result{
		Snapshot:        snap,
		RuleVersionHash: audit.RuleVersionHash(ruleset),
		Levels:          make([]LevelResult, len(o.levels.Levels)),
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, level := range o.levels.Levels {
		g.Go(func() error {
			result.Levels[i] = o.runLevel(ctx, snap, level, ruleset)
			return nil
		})
	}
	_ = g.Wait()

	complete := result.Complete()
	o.metrics.ObserveSnapshot(time.Since(start), complete)
	if !complete {
		logger.WarnIncompleteSnapshot(snap.ID, result.Failed(), len(result.Levels))
	}
	logger.Info("snapshot taken",
		"snapshotId", snap.ID,
		"levels", len(result.Levels),
		"failedLevels", result.Failed(),
		"ruleVersionHash", result.RuleVersionHash,
		"elapsed", time.Since(start).String())

	return result, nil
}

// runLevel builds the context, then calculates, then audits, then persists.
// Each step needs the previous one's complete output.
func (o *Orchestrator) runLevel(ctx context.Context, snap *Snapshot, level Level, ruleset []*rules.Rule) LevelResult {
	res := LevelResult{Level: level}
	fail := func(err error) LevelResult {
		res.Err = err
		o.metrics.IncrementLevelFailures()
		logger.ErrorLevelFailed(level.Number, err)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	window, err := o.contexts.Window(ctx, level.Number, snap.Timestamp.Add(-o.lookback), snap.Timestamp)
	if err != nil {
		return fail(fmt.Errorf("could not fetch context: %w", err))
	}
	activities, err := o.activities.Activities(ctx, level.Number)
	if err != nil {
		return fail(fmt.Errorf("could not fetch activities: %w", err))
	}

	rc := rules.RiskContext{
		Timestamp:    snap.Timestamp,
		LevelNumber:  level.Number,
		Events:       window.Events,
		Measurements: window.Measurements,
		Activities:   activities,
	}

	calc := o.engine.Calculate(rc, ruleset)
	entry := audit.CreateEntry(rc, ruleset, calc, &snap.ID)

	ls := &LevelSnapshot{
		SnapshotID:     snap.ID,
		LevelNumber:    level.Number,
		LevelName:      level.Name,
		Score:          calc.Score,
		Band:           calc.Band,
		Explanation:    calc.Explanation,
		TriggeredRules: calc.TriggeredRules,
		Activities:     activities,
		CalculatedAt:   calc.CalculatedAt,
	}
	if err := o.sink.SaveLevel(ctx, ls, entry); err != nil {
		return fail(fmt.Errorf("could not persist snapshot: %w", err))
	}
	o.metrics.ObserveLevel(level.Number, calc)

	if o.publisher != nil {
		if err := o.publisher.PublishLevel(ctx, ls); err != nil {
			o.metrics.IncrementPublishErrors()
			logger.Warn("level snapshot publish failed", "level", level.Number, "error", err)
		}
	}

	res.Snapshot = ls
	res.Audit = entry
	return res
}

// Schedule runs a snapshot every interval until ctx is cancelled
func (o *Orchestrator) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if _, err := o.Run(ctx, at.UTC()); err != nil {
				logger.Error("scheduled snapshot failed", "error", err)
			}
		}
	}
}

func sortLevels(levels []*LevelSnapshot) {
	slices.SortFunc(levels, func(a, b *LevelSnapshot) int {
		return cmp.Compare(a.LevelNumber, b.LevelNumber)
	})
}
