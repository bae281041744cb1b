package rules

import "time"

var testNow = time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func eventAgo(eventType string, minutes int) Event {
	return Event{
		ID:          eventType,
		Timestamp:   testNow.Add(-time.Duration(minutes) * time.Minute),
		LevelNumber: 3,
		EventType:   eventType,
	}
}

func reading(sensor string, value float64, minutesAgo int) Measurement {
	return Measurement{
		Timestamp:   testNow.Add(-time.Duration(minutesAgo) * time.Minute),
		LevelNumber: 3,
		SensorType:  sensor,
		Value:       value,
		Unit:        "%",
	}
}

func testContext() *RiskContext {
	return &RiskContext{Timestamp: testNow, LevelNumber: 3}
}

func additiveRule(code string, order, value int, cond Condition) *Rule {
	return &Rule{
		Code:            code,
		Name:            code + " rule",
		ImpactType:      ImpactAdditive,
		ImpactValue:     value,
		Condition:       cond,
		EvaluationOrder: order,
		Enabled:         true,
		Version:         1,
	}
}

func forceRule(code string, order, value int, cond Condition) *Rule {
	r := additiveRule(code, order, value, cond)
	r.ImpactType = ImpactForce
	return r
}

// always triggers for any context
var always = CompoundCondition{Logic: LogicOr, Conditions: []Condition{
	ExpressionCondition{Expression: "true"},
}}
