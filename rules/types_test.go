package rules

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const lockoutRuleJSON = `{
  "ruleCode": "LOCK-BLAST",
  "category": "lockout",
  "name": "Post-blast re-entry lockout",
  "impactType": "force",
  "impactValue": 100,
  "evaluationOrder": 10,
  "enabled": true,
  "version": 3,
  "conditionConfig": {
    "type": "compound",
    "logic": "and",
    "conditions": [
      {"type": "event", "eventType": "blast_fired", "eventWithinMinutes": 30},
      {"type": "activity", "requiresEvent": "reentry_cleared"}
    ]
  }
}`

func TestRuleUnmarshalJSON(t *testing.T) {
	var r Rule
	if err := json.Unmarshal([]byte(lockoutRuleJSON), &r); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if r.Code != "LOCK-BLAST" || r.Category != CategoryLockout || r.ImpactType != ImpactForce || r.Version != 3 {
		t.Errorf("decoded %+v", r)
	}

	compound, ok := r.Condition.(CompoundCondition)
	if !ok {
		t.Fatalf("Condition = %T, want CompoundCondition", r.Condition)
	}
	if compound.Logic != LogicAnd || len(compound.Conditions) != 2 {
		t.Fatalf("compound = %+v", compound)
	}
	event, ok := compound.Conditions[0].(EventCondition)
	if !ok || event.EventType != "blast_fired" || event.WithinMinutes == nil || *event.WithinMinutes != 30 {
		t.Errorf("first child = %#v", compound.Conditions[0])
	}
	if event.Count != nil {
		t.Error("absent eventCount must decode as nil")
	}
	if activity, ok := compound.Conditions[1].(ActivityCondition); !ok || activity.RequiresEvent != "reentry_cleared" {
		t.Errorf("second child = %#v", compound.Conditions[1])
	}

	if err := ValidateRule(&r); err != nil {
		t.Errorf("decoded rule is invalid: %v", err)
	}
}

func TestRuleMarshalJSONUsesWireNames(t *testing.T) {
	var r Rule
	_ = json.Unmarshal([]byte(lockoutRuleJSON), &r)

	out, err := json.Marshal(&r)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"ruleCode":"LOCK-BLAST"`, `"conditionConfig":{`, `"eventWithinMinutes":30`, `"evaluationOrder":10`} {
		if !strings.Contains(string(out), key) {
			t.Errorf("encoded rule %s lacks %s", out, key)
		}
	}
	if strings.Contains(string(out), "createdAt") {
		t.Error("zero timestamps should be omitted")
	}
}

func TestUnknownConditionDecoding(t *testing.T) {
	payload := `{"ruleCode":"FUTURE","name":"Future","impactType":"additive","impactValue":5,
		"evaluationOrder":1,"enabled":true,"version":1,
		"conditionConfig":{"type":"shift_change","eventType":"handover"}}`

	var r Rule
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		t.Fatalf("unknown condition types must decode, got %v", err)
	}
	unknown, ok := r.Condition.(UnknownCondition)
	if !ok || unknown.Type() != "shift_change" {
		t.Fatalf("Condition = %#v, want UnknownCondition", r.Condition)
	}

	// The original type survives re-encoding
	cfg := ConfigOf(r.Condition)
	if cfg.Type != "shift_change" || cfg.EventType != "handover" {
		t.Errorf("ConfigOf() = %+v", cfg)
	}

	if calc := CalculateRisk(*testContext(), []*Rule{&r}); calc.Score != 0 {
		t.Errorf("unknown condition contributed score %d", calc.Score)
	}
}

func TestRuleUnmarshalYAML(t *testing.T) {
	doc := `
ruleCode: ENV-METHANE
category: environmental
name: Elevated methane
impactType: additive
impactValue: 40
evaluationOrder: 200
enabled: true
version: 1
conditionConfig:
  type: measurement
  sensorType: methane
  operator: gte
  threshold: 1
`
	var r Rule
	if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("yaml.Unmarshal() failed: %v", err)
	}
	mc, ok := r.Condition.(MeasurementCondition)
	if !ok || mc.Threshold != 1 || mc.Operator != OpGreaterEqual {
		t.Errorf("Condition = %#v", r.Condition)
	}
}

func TestRiskCalculationTriggered(t *testing.T) {
	calc := &RiskCalculation{TriggeredRules: []TriggeredRule{{RuleCode: "A", ImpactValue: 5}}}

	if tr, ok := calc.Triggered("A"); !ok || tr.ImpactValue != 5 {
		t.Errorf("Triggered(A) = %+v, %v", tr, ok)
	}
	if _, ok := calc.Triggered("B"); ok {
		t.Error("Triggered(B) should be false")
	}
}
