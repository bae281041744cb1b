package rules

import "encoding/json"

// ConditionType is the discriminator of a condition node on the wire
type ConditionType string

const (
	ConditionEvent       ConditionType = "event"
	ConditionMeasurement ConditionType = "measurement"
	ConditionActivity    ConditionType = "activity"
	ConditionTime        ConditionType = "time"
	ConditionCompound    ConditionType = "compound"
	ConditionExpression  ConditionType = "expression"
)

// Condition is a node of a rule's condition tree. The set of implementations
// is closed: EventCondition, MeasurementCondition, ActivityCondition,
// TimeCondition, CompoundCondition, ExpressionCondition and UnknownCondition.
type Condition interface {
	Type() ConditionType
	isCondition()
}

// EventCondition checks for events of a given type. WithinMinutes takes
// precedence over Count; with neither set any matching event triggers.
type EventCondition struct {
	EventType          string
	WithinMinutes      *int
	Count              *int
	CountWithinMinutes *int
}

// Operator compares a measurement value against a threshold
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
)

// Symbol returns the textual form used in reasons
func (o Operator) Symbol() string {
	switch o {
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpEqual:
		return "=="
	default:
		return string(o)
	}
}

// Compare applies the operator. Unknown operators never hold.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	default:
		return false
	}
}

// MeasurementCondition compares the latest reading of a sensor type
type MeasurementCondition struct {
	SensorType string
	Threshold  float64
	Operator   Operator
}

// ActivityCondition matches activities by name substring and status.
// With RequiresEvent set it triggers only when that event type is absent.
type ActivityCondition struct {
	NameContains  string
	Status        ActivityStatus
	RequiresEvent string
}

// TimeCondition is reserved for shift and time-of-day logic. It never triggers.
type TimeCondition struct{}

// Logic combines compound children
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// CompoundCondition combines child conditions. Any logic other than "and" is "or".
type CompoundCondition struct {
	Logic      Logic
	Conditions []Condition
}

// ExpressionCondition is a CEL boolean expression evaluated over the context
type ExpressionCondition struct {
	Expression string
}

// UnknownCondition holds a node whose type this version does not understand.
// It is kept so that rules written by newer configs round-trip, and never triggers.
type UnknownCondition struct {
	RawType string
	Raw     json.RawMessage
}

func (EventCondition) Type() ConditionType       { return ConditionEvent }
func (MeasurementCondition) Type() ConditionType { return ConditionMeasurement }
func (ActivityCondition) Type() ConditionType    { return ConditionActivity }
func (TimeCondition) Type() ConditionType        { return ConditionTime }
func (CompoundCondition) Type() ConditionType    { return ConditionCompound }
func (ExpressionCondition) Type() ConditionType  { return ConditionExpression }
func (u UnknownCondition) Type() ConditionType   { return ConditionType(u.RawType) }

func (EventCondition) isCondition()       {}
func (MeasurementCondition) isCondition() {}
func (ActivityCondition) isCondition()    {}
func (TimeCondition) isCondition()        {}
func (CompoundCondition) isCondition()    {}
func (ExpressionCondition) isCondition()  {}
func (UnknownCondition) isCondition()     {}

// ConditionConfig is the loosely-typed wire shape of a condition node,
// shared by JSON (API, Postgres JSONB) and YAML (rule files).
type ConditionConfig struct {
	Type                    string            `json:"type" yaml:"type"`
	EventType               string            `json:"eventType,omitempty" yaml:"eventType,omitempty"`
	EventWithinMinutes      *int              `json:"eventWithinMinutes,omitempty" yaml:"eventWithinMinutes,omitempty"`
	EventCount              *int              `json:"eventCount,omitempty" yaml:"eventCount,omitempty"`
	EventCountWithinMinutes *int              `json:"eventCountWithinMinutes,omitempty" yaml:"eventCountWithinMinutes,omitempty"`
	SensorType              string            `json:"sensorType,omitempty" yaml:"sensorType,omitempty"`
	Threshold               *float64          `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Operator                string            `json:"operator,omitempty" yaml:"operator,omitempty"`
	ActivityNameContains    string            `json:"activityNameContains,omitempty" yaml:"activityNameContains,omitempty"`
	ActivityStatus          string            `json:"activityStatus,omitempty" yaml:"activityStatus,omitempty"`
	RequiresEvent           string            `json:"requiresEvent,omitempty" yaml:"requiresEvent,omitempty"`
	Logic                   string            `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions              []ConditionConfig `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression              string            `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Build converts the wire shape into a typed condition tree.
// Unrecognized types become UnknownCondition rather than an error.
func (c ConditionConfig) Build() Condition {
	switch ConditionType(c.Type) {
	case ConditionEvent:
		return EventCondition{
			EventType:          c.EventType,
			WithinMinutes:      c.EventWithinMinutes,
			Count:              c.EventCount,
			CountWithinMinutes: c.EventCountWithinMinutes,
		}
	case ConditionMeasurement:
		mc := MeasurementCondition{SensorType: c.SensorType, Operator: Operator(c.Operator)}
		if c.Threshold != nil {
			mc.Threshold = *c.Threshold
		}
		return mc
	case ConditionActivity:
		return ActivityCondition{
			NameContains:  c.ActivityNameContains,
			Status:        ActivityStatus(c.ActivityStatus),
			RequiresEvent: c.RequiresEvent,
		}
	case ConditionTime:
		return TimeCondition{}
	case ConditionCompound:
		children := make([]Condition, 0, len(c.Conditions))
		for _, child := range c.Conditions {
			children = append(children, child.Build())
		}
		return CompoundCondition{Logic: Logic(c.Logic), Conditions: children}
	case ConditionExpression:
		return ExpressionCondition{Expression: c.Expression}
	default:
		raw, _ := json.Marshal(c)
		return UnknownCondition{RawType: c.Type, Raw: raw}
	}
}

// ConfigOf converts a typed condition back to its wire shape
func ConfigOf(cond Condition) ConditionConfig {
	switch n := cond.(type) {
	case EventCondition:
		return ConditionConfig{
			Type:                    string(ConditionEvent),
			EventType:               n.EventType,
			EventWithinMinutes:      n.WithinMinutes,
			EventCount:              n.Count,
			EventCountWithinMinutes: n.CountWithinMinutes,
		}
	case MeasurementCondition:
		threshold := n.Threshold
		return ConditionConfig{
			Type:       string(ConditionMeasurement),
			SensorType: n.SensorType,
			Threshold:  &threshold,
			Operator:   string(n.Operator),
		}
	case ActivityCondition:
		return ConditionConfig{
			Type:                 string(ConditionActivity),
			ActivityNameContains: n.NameContains,
			ActivityStatus:       string(n.Status),
			RequiresEvent:        n.RequiresEvent,
		}
	case TimeCondition:
		return ConditionConfig{Type: string(ConditionTime)}
	case CompoundCondition:
		children := make([]ConditionConfig, 0, len(n.Conditions))
		for _, child := range n.Conditions {
			children = append(children, ConfigOf(child))
		}
		return ConditionConfig{Type: string(ConditionCompound), Logic: string(n.Logic), Conditions: children}
	case ExpressionCondition:
		return ConditionConfig{Type: string(ConditionExpression), Expression: n.Expression}
	case UnknownCondition:
		var cfg ConditionConfig
		if err := json.Unmarshal(n.Raw, &cfg); err != nil {
			cfg = ConditionConfig{}
		}
		cfg.Type = n.RawType
		return cfg
	default:
		return ConditionConfig{}
	}
}
