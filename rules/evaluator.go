package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/minerisk/internal/logger"
)

// Result is the outcome of evaluating one condition
type Result struct {
	Triggered bool
	Reason    string
}

var notTriggered = Result{}

// Evaluator evaluates condition trees against a RiskContext.
// It is safe for concurrent use; the only shared state is the
// expression program cache.
type Evaluator struct {
	expressions *expressionCompiler
}

// NewEvaluator creates an evaluator whose expression cache holds up to
// cacheSize compiled programs
func NewEvaluator(cacheSize int) (*Evaluator, error) {
	compiler, err := newExpressionCompiler(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{expressions: compiler}, nil
}

var defaultEvaluator = sync.OnceValue(func() *Evaluator {
	ev, err := NewEvaluator(DefaultExpressionCacheSize)
	if err != nil {
		logger.Error("expression support disabled", "error", err)
		return &Evaluator{}
	}
	return ev
})

// DefaultEvaluator returns the process-wide evaluator
func DefaultEvaluator() *Evaluator {
	return defaultEvaluator()
}

// Evaluate runs one condition node. It never fails: absent data and
// malformed configuration both yield a not-triggered result.
func (ev *Evaluator) Evaluate(cond Condition, rc *RiskContext) Result {
	switch c := cond.(type) {
	case EventCondition:
		return evaluateEvent(c, rc)
	case MeasurementCondition:
		return evaluateMeasurement(c, rc)
	case ActivityCondition:
		return evaluateActivity(c, rc)
	case TimeCondition:
		return notTriggered
	case CompoundCondition:
		return ev.evaluateCompound(c, rc)
	case ExpressionCondition:
		return ev.evaluateExpression(c, rc)
	case UnknownCondition:
		logger.Warn("unknown condition type evaluated as not triggered", "type", c.RawType)
		return notTriggered
	default:
		return notTriggered
	}
}

func windowStart(at time.Time, minutes int) time.Time {
	return at.Add(-time.Duration(minutes) * time.Minute)
}

// inWindow reports whether ts lies in [from, to], both ends inclusive
func inWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func evaluateEvent(c EventCondition, rc *RiskContext) Result {
	if c.EventType == "" {
		return notTriggered
	}

	var matches []Event
	for _, e := range rc.Events {
		if e.EventType == c.EventType {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return notTriggered
	}

	if c.WithinMinutes != nil {
		from := windowStart(rc.Timestamp, *c.WithinMinutes)
		var latest *Event
		for i := range matches {
			e := &matches[i]
			if !inWindow(e.Timestamp, from, rc.Timestamp) {
				continue
			}
			if latest == nil || e.Timestamp.After(latest.Timestamp) {
				latest = e
			}
		}
		if latest == nil {
			return notTriggered
		}
		elapsed := int(rc.Timestamp.Sub(latest.Timestamp).Minutes())
		return Result{
			Triggered: true,
			Reason:    fmt.Sprintf("%s %d minutes ago (within %d min window)", c.EventType, elapsed, *c.WithinMinutes),
		}
	}

	if c.Count != nil {
		count := len(matches)
		window := "in context"
		if c.CountWithinMinutes != nil {
			from := windowStart(rc.Timestamp, *c.CountWithinMinutes)
			count = 0
			for _, e := range matches {
				if inWindow(e.Timestamp, from, rc.Timestamp) {
					count++
				}
			}
			window = fmt.Sprintf("in last %d minutes", *c.CountWithinMinutes)
		}
		if count < *c.Count {
			return notTriggered
		}
		return Result{
			Triggered: true,
			Reason:    fmt.Sprintf("%d %s events %s (threshold %d)", count, c.EventType, window, *c.Count),
		}
	}

	return Result{Triggered: true, Reason: fmt.Sprintf("%s event present", c.EventType)}
}

func evaluateMeasurement(c MeasurementCondition, rc *RiskContext) Result {
	if c.SensorType == "" {
		return notTriggered
	}

	var latest *Measurement
	for i := range rc.Measurements {
		m := &rc.Measurements[i]
		if m.SensorType != c.SensorType {
			continue
		}
		if latest == nil || m.Timestamp.After(latest.Timestamp) {
			latest = m
		}
	}
	if latest == nil {
		return notTriggered
	}

	if !c.Operator.Compare(latest.Value, c.Threshold) {
		return notTriggered
	}
	return Result{
		Triggered: true,
		Reason: fmt.Sprintf("%s reading %s%s %s threshold %s",
			c.SensorType, formatFloat(latest.Value), latest.Unit, c.Operator.Symbol(), formatFloat(c.Threshold)),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func evaluateActivity(c ActivityCondition, rc *RiskContext) Result {
	needle := strings.ToLower(c.NameContains)

	var match *Activity
	for i := range rc.Activities {
		a := &rc.Activities[i]
		if needle != "" && !strings.Contains(strings.ToLower(a.Name), needle) {
			continue
		}
		if c.Status != "" && a.Status != c.Status {
			continue
		}
		match = a
		break
	}
	if match == nil {
		return notTriggered
	}

	if c.RequiresEvent == "" {
		return Result{
			Triggered: true,
			Reason:    fmt.Sprintf("Activity '%s' is %s", match.Name, match.Status),
		}
	}

	for _, e := range rc.Events {
		if e.EventType == c.RequiresEvent {
			return notTriggered
		}
	}
	return Result{
		Triggered: true,
		Reason:    fmt.Sprintf("Activity '%s' is %s without required %s event", match.Name, match.Status, c.RequiresEvent),
	}
}

func (ev *Evaluator) evaluateCompound(c CompoundCondition, rc *RiskContext) Result {
	if len(c.Conditions) == 0 {
		return notTriggered
	}

	if c.Logic == LogicAnd {
		reasons := make([]string, 0, len(c.Conditions))
		for _, child := range c.Conditions {
			res := ev.Evaluate(child, rc)
			if !res.Triggered {
				return notTriggered
			}
			reasons = append(reasons, res.Reason)
		}
		return Result{Triggered: true, Reason: strings.Join(reasons, " AND ")}
	}

	for _, child := range c.Conditions {
		if res := ev.Evaluate(child, rc); res.Triggered {
			return res
		}
	}
	return notTriggered
}
