package rules

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// CalculateRisk scores a context against a ruleset using the default evaluator
func CalculateRisk(rc RiskContext, rules []*Rule) *RiskCalculation {
	return calculate(DefaultEvaluator(), rc, rules, time.Now())
}

// SortForEvaluation returns the enabled rules ordered by evaluationOrder.
// The sort is stable so rules sharing an order keep their input order.
func SortForEvaluation(rules []*Rule) []*Rule {
	enabled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			enabled = append(enabled, r)
		}
	}
	slices.SortStableFunc(enabled, func(a, b *Rule) int {
		return cmp.Compare(a.EvaluationOrder, b.EvaluationOrder)
	})
	return enabled
}

func calculate(ev *Evaluator, rc RiskContext, rules []*Rule, now time.Time) *RiskCalculation {
	var (
		triggered   []TriggeredRule
		score       int
		forcedScore *int
		forcedBy    *TriggeredRule
	)

	for _, rule := range SortForEvaluation(rules) {
		res := ev.Evaluate(rule.Condition, &rc)
		if !res.Triggered {
			continue
		}

		tr := TriggeredRule{
			RuleCode:    rule.Code,
			RuleName:    rule.Name,
			ImpactType:  rule.ImpactType,
			ImpactValue: rule.ImpactValue,
			Reason:      res.Reason,
			EvaluatedAt: now,
		}
		triggered = append(triggered, tr)

		if rule.ImpactType == ImpactForce {
			v := clampScore(rule.ImpactValue)
			forcedScore = &v
			forcedBy = &triggered[len(triggered)-1]
			break
		}
		if rule.ImpactType == ImpactAdditive && rule.ImpactValue > 0 {
			score += rule.ImpactValue
		}
	}

	final := clampScore(score)
	if forcedScore != nil {
		final = *forcedScore
	}
	band := BandForScore(final)

	if triggered == nil {
		triggered = []TriggeredRule{}
	}

	return &RiskCalculation{
		Score:          final,
		Band:           band,
		TriggeredRules: triggered,
		Explanation:    explain(final, band, triggered, forcedBy),
		CalculatedAt:   now,
	}
}

func clampScore(score int) int {
	return max(0, min(score, MaxScore))
}

func explain(score int, band Band, triggered []TriggeredRule, forcedBy *TriggeredRule) string {
	if len(triggered) == 0 {
		return fmt.Sprintf("LOW risk (%d). No risk rules triggered.", score)
	}

	var b strings.Builder
	if forcedBy != nil {
		fmt.Fprintf(&b, "LOCKOUT: %s (%s) - %s.", forcedBy.RuleName, forcedBy.RuleCode, forcedBy.Reason)
	} else {
		fmt.Fprintf(&b, "%s risk (%d).", strings.ToUpper(string(band)), score)
	}

	b.WriteString(" Triggered: ")
	for i, tr := range triggered {
		if i > 0 {
			b.WriteString("; ")
		}
		if tr.ImpactType == ImpactForce {
			fmt.Fprintf(&b, "%s (force=%d): %s", tr.RuleCode, tr.ImpactValue, tr.Reason)
		} else {
			fmt.Fprintf(&b, "%s (+%d): %s", tr.RuleCode, tr.ImpactValue, tr.Reason)
		}
	}
	return b.String()
}

// Engine binds the pure risk calculation to a rule store and a cache of
// the enabled ruleset
type Engine struct {
	store     RuleStore
	cache     RulesCache
	evaluator *Evaluator
	now       func() time.Time
}

// NewEngine creates an engine over store with the default evaluator and cache
func NewEngine(store RuleStore) *Engine {
	return NewEngineWithEvaluator(store, DefaultEvaluator())
}

// NewEngineWithEvaluator creates an engine using a specific evaluator
func NewEngineWithEvaluator(store RuleStore, ev *Evaluator) *Engine {
	return &Engine{
		store:     store,
		cache:     NewInMemoryRulesCache(DefaultCacheConfig()),
		evaluator: ev,
		now:       time.Now,
	}
}

// Calculate scores a context against rules
func (en *Engine) Calculate(rc RiskContext, rules []*Rule) *RiskCalculation {
	return calculate(en.evaluator, rc, rules, en.now())
}

// EnabledRules returns the enabled ruleset in evaluation order, served from
// the cache when it is valid
func (en *Engine) EnabledRules() ([]*Rule, error) {
	if cached := en.cache.Get(); cached != nil {
		return cached, nil
	}

	// A load that raced an Invalidate is returned but not cached
	gen := en.cache.Generation()
	enabled, err := en.store.ListEnabled()
	if err != nil {
		return nil, err
	}
	enabled = SortForEvaluation(enabled)
	en.cache.SetIfGeneration(enabled, gen)
	return enabled, nil
}

// RulesLoadedAt reports when the cached ruleset was loaded; zero when the
// cache is empty
func (en *Engine) RulesLoadedAt() time.Time {
	return en.cache.LoadedAt()
}

// Rules lists every stored rule, enabled or not
func (en *Engine) Rules() ([]*Rule, error) {
	return en.store.List()
}

// Rule returns one rule by code
func (en *Engine) Rule(code string) (*Rule, error) {
	return en.store.Get(code)
}

// AddRule validates and stores a new rule
func (en *Engine) AddRule(r *Rule) error {
	if r.Version == 0 {
		r.Version = 1
	}
	if err := en.validate(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	if err := en.store.Add(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// UpdateRule validates and replaces an existing rule, bumping its version
func (en *Engine) UpdateRule(r *Rule) error {
	existing, err := en.store.Get(r.Code)
	if err != nil {
		return err
	}
	r.Version = existing.Version + 1

	if err := en.validate(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	if err := en.store.Update(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store
func (en *Engine) DeleteRule(code string) error {
	if err := en.store.Delete(code); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// Invalidate drops the cached ruleset, for stores that change underneath the engine
func (en *Engine) Invalidate() {
	en.cache.Invalidate()
}

func (en *Engine) validate(r *Rule) error {
	var errs []error
	if err := ValidateRule(r); err != nil {
		errs = append(errs, err)
	}
	for _, expr := range expressionsOf(r.Condition) {
		if err := en.evaluator.CheckExpression(expr); err != nil {
			errs = append(errs, fmt.Errorf("expression %q: %w", expr, err))
		}
	}
	return errors.Join(errs...)
}
