// Package audit records how each risk score was produced and proves whether
// it can be reproduced with the live ruleset.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/liamcoop/minerisk/rules"
)

// HashLength is the number of hex characters kept from the SHA-256 digest
const HashLength = 16

const signatureDelimiter = "|"

// RuleApplication is the audit view of one enabled rule in one evaluation
type RuleApplication struct {
	RuleCode    string           `json:"ruleCode"`
	RuleVersion int              `json:"ruleVersion"`
	ImpactType  rules.ImpactType `json:"impactType"`
	ImpactValue int              `json:"impactValue"`
	Triggered   bool             `json:"triggered"`
	Reason      string           `json:"reason"`
}

// InputsUsed summarizes the context an evaluation saw
type InputsUsed struct {
	EventCount       int      `json:"eventCount"`
	MeasurementCount int      `json:"measurementCount"`
	ActivityCount    int      `json:"activityCount"`
	EventTypes       []string `json:"eventTypes"`
	MeasurementTypes []string `json:"measurementTypes"`
}

// Entry is the immutable audit record of one risk calculation.
// ID is assigned by the Store that persists it.
type Entry struct {
	ID              string            `json:"id,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	SnapshotID      *string           `json:"snapshotId"`
	LevelNumber     int               `json:"levelNumber"`
	RulesApplied    []RuleApplication `json:"rulesApplied"`
	InputsUsed      InputsUsed        `json:"inputsUsed"`
	FinalScore      int               `json:"finalScore"`
	Explanation     string            `json:"explanation"`
	RuleVersionHash string            `json:"ruleVersionHash"`
}

// RuleVersionHash fingerprints a ruleset by code, version, enabled flag and
// impact value. The input order does not matter.
func RuleVersionHash(ruleset []*rules.Rule) string {
	sorted := make([]*rules.Rule, 0, len(ruleset))
	for _, r := range ruleset {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	slices.SortStableFunc(sorted, func(a, b *rules.Rule) int {
		return strings.Compare(a.Code, b.Code)
	})

	signatures := make([]string, len(sorted))
	for i, r := range sorted {
		signatures[i] = fmt.Sprintf("%s:%d:%t:%d", r.Code, r.Version, r.Enabled, r.ImpactValue)
	}

	sum := sha256.Sum256([]byte(strings.Join(signatures, signatureDelimiter)))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// CreateEntry builds the audit record for calc. Every enabled rule is listed,
// triggered or not, in evaluation order.
func CreateEntry(rc rules.RiskContext, ruleset []*rules.Rule, calc *rules.RiskCalculation, snapshotID *string) *Entry {
	enabled := rules.SortForEvaluation(ruleset)

	applied := make([]RuleApplication, 0, len(enabled))
	for _, r := range enabled {
		app := RuleApplication{
			RuleCode:    r.Code,
			RuleVersion: r.Version,
			ImpactType:  r.ImpactType,
			ImpactValue: r.ImpactValue,
		}
		if tr, ok := calc.Triggered(r.Code); ok {
			app.Triggered = true
			app.Reason = tr.Reason
		}
		applied = append(applied, app)
	}

	return &Entry{
		Timestamp:       rc.Timestamp,
		SnapshotID:      snapshotID,
		LevelNumber:     rc.LevelNumber,
		RulesApplied:    applied,
		InputsUsed:      summarize(rc),
		FinalScore:      calc.Score,
		Explanation:     calc.Explanation,
		RuleVersionHash: RuleVersionHash(ruleset),
	}
}

func summarize(rc rules.RiskContext) InputsUsed {
	eventTypes := make([]string, 0, len(rc.Events))
	for _, e := range rc.Events {
		eventTypes = append(eventTypes, e.EventType)
	}
	measurementTypes := make([]string, 0, len(rc.Measurements))
	for _, m := range rc.Measurements {
		measurementTypes = append(measurementTypes, m.SensorType)
	}

	return InputsUsed{
		EventCount:       len(rc.Events),
		MeasurementCount: len(rc.Measurements),
		ActivityCount:    len(rc.Activities),
		EventTypes:       distinct(eventTypes),
		MeasurementTypes: distinct(measurementTypes),
	}
}

func distinct(values []string) []string {
	slices.Sort(values)
	return slices.Compact(values)
}

// Verification is the outcome of comparing a stored hash with the live ruleset
type Verification struct {
	Reproducible bool   `json:"reproducible"`
	CurrentHash  string `json:"currentHash"`
}

// VerifyReproducibility recomputes the live ruleset hash and compares it to storedHash
func VerifyReproducibility(currentRules []*rules.Rule, storedHash string) Verification {
	current := RuleVersionHash(currentRules)
	return Verification{
		Reproducible: current == storedHash,
		CurrentHash:  current,
	}
}

// Replay is the outcome of recomputing an audited score
type Replay struct {
	Verification
	StoredScore   int  `json:"storedScore"`
	ReplayedScore int  `json:"replayedScore"`
	ScoreMatches  bool `json:"scoreMatches"`
}

// ReplayEntry re-runs the engine over rc with currentRules and compares the
// result with what entry recorded. rc must be the context the entry was built from.
func ReplayEntry(entry *Entry, rc rules.RiskContext, currentRules []*rules.Rule) Replay {
	calc := rules.CalculateRisk(rc, currentRules)
	return Replay{
		Verification:  VerifyReproducibility(currentRules, entry.RuleVersionHash),
		StoredScore:   entry.FinalScore,
		ReplayedScore: calc.Score,
		ScoreMatches:  calc.Score == entry.FinalScore,
	}
}
