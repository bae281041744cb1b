package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultExpressionCacheSize bounds the number of compiled expression programs kept in memory
const DefaultExpressionCacheSize = 512

// expressionCostLimit prevents runaway expressions
const expressionCostLimit = 1000000

type compiledExpression struct {
	prog cel.Program
	err  error
}

// expressionCompiler compiles CEL condition expressions and caches the programs.
// cel.Program values are safe for concurrent evaluation.
type expressionCompiler struct {
	env   *cel.Env
	cache *lru.Cache[string, compiledExpression]
}

func newExpressionCompiler(cacheSize int) (*expressionCompiler, error) {
	// Context values are exposed as dynamic types so expressions can
	// navigate maps without schema registration
	env, err := cel.NewEnv(
		cel.Variable("level", cel.IntType),
		cel.Variable("eventTypes", cel.ListType(cel.StringType)),
		cel.Variable("events", cel.DynType),
		cel.Variable("latest", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("activities", cel.DynType),
		cel.Variable("minutesSince", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	cache, err := lru.New[string, compiledExpression](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}

	return &expressionCompiler{env: env, cache: cache}, nil
}

// Compile returns the cached program for expression, compiling it on first use.
// Compilation failures are cached too so a bad rule is not recompiled per level.
func (c *expressionCompiler) Compile(expression string) (cel.Program, error) {
	if cached, ok := c.cache.Get(expression); ok {
		return cached.prog, cached.err
	}

	prog, err := c.compile(expression)
	c.cache.Add(expression, compiledExpression{prog: prog, err: err})
	return prog, err
}

func (c *expressionCompiler) compile(expression string) (cel.Program, error) {
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prog, err := c.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// activation flattens a RiskContext into CEL variables
func activation(rc *RiskContext) map[string]any {
	eventTypes := make([]string, 0, len(rc.Events))
	events := make([]any, 0, len(rc.Events))
	minutesSince := make(map[string]float64)
	for _, e := range rc.Events {
		ago := rc.Timestamp.Sub(e.Timestamp).Minutes()
		eventTypes = append(eventTypes, e.EventType)
		events = append(events, map[string]any{
			"type":       e.EventType,
			"severity":   e.Severity,
			"minutesAgo": ago,
		})
		if prev, ok := minutesSince[e.EventType]; !ok || ago < prev {
			minutesSince[e.EventType] = ago
		}
	}

	latest := make(map[string]float64)
	latestAt := make(map[string]int)
	for i, m := range rc.Measurements {
		if j, ok := latestAt[m.SensorType]; ok && !m.Timestamp.After(rc.Measurements[j].Timestamp) {
			continue
		}
		latestAt[m.SensorType] = i
		latest[m.SensorType] = m.Value
	}

	activities := make([]any, 0, len(rc.Activities))
	for _, a := range rc.Activities {
		activities = append(activities, map[string]any{
			"name":   a.Name,
			"status": string(a.Status),
		})
	}

	return map[string]any{
		"level":        int64(rc.LevelNumber),
		"eventTypes":   eventTypes,
		"events":       events,
		"latest":       latest,
		"activities":   activities,
		"minutesSince": minutesSince,
	}
}

func (ev *Evaluator) evaluateExpression(c ExpressionCondition, rc *RiskContext) Result {
	if ev.expressions == nil || c.Expression == "" {
		return notTriggered
	}

	prog, err := ev.expressions.Compile(c.Expression)
	if err != nil {
		return notTriggered
	}

	out, _, err := prog.Eval(activation(rc))
	if err != nil {
		return notTriggered
	}
	if matched, ok := out.Value().(bool); !ok || !matched {
		return notTriggered
	}
	return Result{Triggered: true, Reason: fmt.Sprintf("expression matched: %s", c.Expression)}
}

// CheckExpression reports whether expression compiles to a boolean program
func (ev *Evaluator) CheckExpression(expression string) error {
	if ev.expressions == nil {
		return fmt.Errorf("expression conditions are not supported by this evaluator")
	}
	_, err := ev.expressions.Compile(expression)
	return err
}
