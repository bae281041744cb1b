package rules

import "time"

// ImpactType controls how a triggered rule contributes to the score
type ImpactType string

const (
	// ImpactAdditive adds impactValue to the running score
	ImpactAdditive ImpactType = "additive"
	// ImpactForce overrides the score and stops evaluation (lockout)
	ImpactForce ImpactType = "force"
)

// Band is the coarse classification derived from a score
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// MaxScore is the upper bound of every calculated score
const MaxScore = 100

// Rule is a configured unit of risk logic. Rules are owned by a RuleStore;
// the engine only reads them.
type Rule struct {
	Code            string
	Category        Category
	Name            string
	Description     string
	ImpactType      ImpactType
	ImpactValue     int
	Condition       Condition
	EvaluationOrder int
	Enabled         bool
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy of the rule. The condition tree is shared since
// conditions are never mutated after decoding.
func (r *Rule) Clone() *Rule {
	c := *r
	return &c
}

// Event is a discrete, timestamped occurrence on a level
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	LevelNumber int            `json:"levelNumber"`
	EventType   string         `json:"eventType"`
	Severity    string         `json:"severity"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Measurement is a timestamped scalar sensor reading
type Measurement struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	LevelNumber int       `json:"levelNumber"`
	SensorType  string    `json:"sensorType"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
}

// ActivityStatus is the lifecycle state of an activity
type ActivityStatus string

const (
	ActivityPlanned   ActivityStatus = "planned"
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
)

// Activity is an ongoing operational task. It carries no timestamp.
type Activity struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Status    ActivityStatus `json:"status" yaml:"status"`
	RiskScore *int           `json:"riskScore" yaml:"riskScore,omitempty"`
	Metadata  map[string]any `json:"metadata" yaml:"metadata,omitempty"`
}

// RiskContext is the evaluation input for one level at one instant.
// It must not be modified while an evaluation is running.
type RiskContext struct {
	Timestamp    time.Time     `json:"timestamp"`
	LevelNumber  int           `json:"levelNumber"`
	Events       []Event       `json:"events"`
	Measurements []Measurement `json:"measurements"`
	Activities   []Activity    `json:"activities"`
}

// TriggeredRule records a rule whose condition evaluated true
type TriggeredRule struct {
	RuleCode    string     `json:"ruleCode"`
	RuleName    string     `json:"ruleName"`
	ImpactType  ImpactType `json:"impactType"`
	ImpactValue int        `json:"impactValue"`
	Reason      string     `json:"reason"`
	EvaluatedAt time.Time  `json:"evaluatedAt"`
}

// RiskCalculation is the engine output for one context
type RiskCalculation struct {
	Score          int             `json:"score"`
	Band           Band            `json:"band"`
	TriggeredRules []TriggeredRule `json:"triggeredRules"`
	Explanation    string          `json:"explanation"`
	CalculatedAt   time.Time       `json:"calculatedAt"`
}

// Triggered reports whether the rule with the given code is in TriggeredRules
func (c *RiskCalculation) Triggered(code string) (TriggeredRule, bool) {
	for _, tr := range c.TriggeredRules {
		if tr.RuleCode == code {
			return tr, true
		}
	}
	return TriggeredRule{}, false
}

// BandForScore maps a score onto its band: low <=30, medium 31-70, high >=71
func BandForScore(score int) Band {
	switch {
	case score >= 71:
		return BandHigh
	case score >= 31:
		return BandMedium
	default:
		return BandLow
	}
}
