package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ruleCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_-]*$`)

// maxConditionDepth bounds compound nesting
const maxConditionDepth = 8

// ValidateRule checks a rule's structure. It does not compile expressions;
// Engine does that with its own evaluator.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	if len(r.Code) == 0 || len(r.Code) > 64 {
		return fmt.Errorf("ruleCode must be 1-64 characters")
	}
	if !ruleCodePattern.MatchString(r.Code) {
		return fmt.Errorf("ruleCode %q must match pattern %s", r.Code, ruleCodePattern)
	}

	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule %s: name is required", r.Code)
	}

	switch r.ImpactType {
	case ImpactAdditive, ImpactForce:
	default:
		return fmt.Errorf("rule %s: impactType %q must be additive or force", r.Code, r.ImpactType)
	}

	if r.ImpactValue < 0 || r.ImpactValue > MaxScore {
		return fmt.Errorf("rule %s: impactValue %d must be between 0 and %d", r.Code, r.ImpactValue, MaxScore)
	}

	if r.Version < 1 {
		return fmt.Errorf("rule %s: version must be >= 1", r.Code)
	}

	if rng, ok := OrderRangeFor(r.Category); ok && !rng.Contains(r.EvaluationOrder) {
		return fmt.Errorf("rule %s: evaluationOrder %d is outside the %s range %d-%d",
			r.Code, r.EvaluationOrder, r.Category, rng.Min, rng.Max)
	}

	if r.Condition == nil {
		return fmt.Errorf("rule %s: conditionConfig is required", r.Code)
	}
	if err := validateCondition(r.Condition, 1); err != nil {
		return fmt.Errorf("rule %s: %w", r.Code, err)
	}

	return nil
}

func validateCondition(cond Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition nesting exceeds %d levels", maxConditionDepth)
	}

	switch c := cond.(type) {
	case EventCondition:
		if c.EventType == "" {
			return fmt.Errorf("event condition requires eventType")
		}
		if c.CountWithinMinutes != nil && c.Count == nil {
			return fmt.Errorf("eventCountWithinMinutes requires eventCount")
		}
		for _, v := range []*int{c.WithinMinutes, c.Count, c.CountWithinMinutes} {
			if v != nil && *v < 0 {
				return fmt.Errorf("event condition values must be >= 0")
			}
		}
	case MeasurementCondition:
		if c.SensorType == "" {
			return fmt.Errorf("measurement condition requires sensorType")
		}
		switch c.Operator {
		case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		default:
			return fmt.Errorf("measurement operator %q must be one of gt, gte, lt, lte, eq", c.Operator)
		}
	case ActivityCondition:
		switch c.Status {
		case "", ActivityPlanned, ActivityActive, ActivityCompleted:
		default:
			return fmt.Errorf("activityStatus %q must be planned, active or completed", c.Status)
		}
	case TimeCondition:
	case CompoundCondition:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("compound condition requires at least one child")
		}
		switch c.Logic {
		case LogicAnd, LogicOr:
		default:
			return fmt.Errorf("compound logic %q must be and or or", c.Logic)
		}
		for i, child := range c.Conditions {
			if err := validateCondition(child, depth+1); err != nil {
				return fmt.Errorf("conditions[%d]: %w", i, err)
			}
		}
	case ExpressionCondition:
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("expression condition requires expression")
		}
	case UnknownCondition:
		return fmt.Errorf("unknown condition type %q", c.RawType)
	default:
		return fmt.Errorf("unsupported condition %T", cond)
	}
	return nil
}

// expressionsOf collects every CEL expression in a condition tree
func expressionsOf(cond Condition) []string {
	switch c := cond.(type) {
	case ExpressionCondition:
		return []string{c.Expression}
	case CompoundCondition:
		var out []string
		for _, child := range c.Conditions {
			out = append(out, expressionsOf(child)...)
		}
		return out
	default:
		return nil
	}
}

// ruleJSONSchema describes the rule record accepted over the API
const ruleJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["ruleCode", "name", "impactType", "impactValue", "conditionConfig", "evaluationOrder"],
  "properties": {
    "ruleCode": {"type": "string", "minLength": 1, "maxLength": 64},
    "category": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "impactType": {"enum": ["additive", "force"]},
    "impactValue": {"type": "integer", "minimum": 0, "maximum": 100},
    "evaluationOrder": {"type": "integer"},
    "enabled": {"type": "boolean"},
    "version": {"type": "integer", "minimum": 1},
    "conditionConfig": {"$ref": "#/definitions/condition"}
  },
  "definitions": {
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string"},
        "eventType": {"type": "string"},
        "eventWithinMinutes": {"type": "integer", "minimum": 0},
        "eventCount": {"type": "integer", "minimum": 0},
        "eventCountWithinMinutes": {"type": "integer", "minimum": 0},
        "sensorType": {"type": "string"},
        "threshold": {"type": "number"},
        "operator": {"enum": ["gt", "gte", "lt", "lte", "eq"]},
        "activityNameContains": {"type": "string"},
        "activityStatus": {"enum": ["planned", "active", "completed"]},
        "requiresEvent": {"type": "string"},
        "logic": {"enum": ["and", "or"]},
        "conditions": {"type": "array", "items": {"$ref": "#/definitions/condition"}},
        "expression": {"type": "string"}
      }
    }
  }
}`

var ruleSchema = gojsonschema.NewStringLoader(ruleJSONSchema)

// ValidateRuleJSON checks a raw rule payload against the rule record schema
func ValidateRuleJSON(payload []byte) error {
	result, err := gojsonschema.Validate(ruleSchema, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: malformed payload: %w", ErrInvalidRule, err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]error, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, errors.New(e.String()))
	}
	return fmt.Errorf("%w: %w", ErrInvalidRule, errors.Join(errs...))
}
