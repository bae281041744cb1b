package rules

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// ruleWire is the storage-independent record shape of a rule
type ruleWire struct {
	RuleCode        string          `json:"ruleCode" yaml:"ruleCode"`
	Category        Category        `json:"category" yaml:"category"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description" yaml:"description"`
	ImpactType      ImpactType      `json:"impactType" yaml:"impactType"`
	ImpactValue     int             `json:"impactValue" yaml:"impactValue"`
	ConditionConfig ConditionConfig `json:"conditionConfig" yaml:"conditionConfig"`
	EvaluationOrder int             `json:"evaluationOrder" yaml:"evaluationOrder"`
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	Version         int             `json:"version" yaml:"version"`
	CreatedAt       *time.Time      `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt       *time.Time      `json:"updatedAt,omitempty" yaml:"-"`
}

func (r *Rule) toWire() ruleWire {
	w := ruleWire{
		RuleCode:        r.Code,
		Category:        r.Category,
		Name:            r.Name,
		Description:     r.Description,
		ImpactType:      r.ImpactType,
		ImpactValue:     r.ImpactValue,
		ConditionConfig: ConfigOf(r.Condition),
		EvaluationOrder: r.EvaluationOrder,
		Enabled:         r.Enabled,
		Version:         r.Version,
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = &r.CreatedAt
	}
	if !r.UpdatedAt.IsZero() {
		w.UpdatedAt = &r.UpdatedAt
	}
	return w
}

func (r *Rule) fromWire(w ruleWire) {
	*r = Rule{
		Code:            w.RuleCode,
		Category:        w.Category,
		Name:            w.Name,
		Description:     w.Description,
		ImpactType:      w.ImpactType,
		ImpactValue:     w.ImpactValue,
		Condition:       w.ConditionConfig.Build(),
		EvaluationOrder: w.EvaluationOrder,
		Enabled:         w.Enabled,
		Version:         w.Version,
	}
	if w.CreatedAt != nil {
		r.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		r.UpdatedAt = *w.UpdatedAt
	}
}

// MarshalJSON implements json.Marshaler
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toWire())
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (r Rule) MarshalYAML() (any, error) {
	return r.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var w ruleWire
	if err := value.Decode(&w); err != nil {
		return err
	}
	r.fromWire(w)
	return nil
}
