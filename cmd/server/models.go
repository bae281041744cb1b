package main

import (
	"time"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/internal/logger"
	"github.com/liamcoop/minerisk/rules"
	"github.com/liamcoop/minerisk/snapshot"
)

// API request and response models

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// RuleHashResponse is the version hash of the currently enabled ruleset
type RuleHashResponse struct {
	RuleVersionHash string `json:"ruleVersionHash" example:"3f2a9c0b7d1e4a55"`
	RuleCount       int    `json:"ruleCount" example:"12"`
}

// EvaluateRequest is an ad-hoc context to score against the enabled rules.
// Timestamp defaults to the time the request is received.
type EvaluateRequest struct {
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	LevelNumber  int                 `json:"levelNumber" example:"3"`
	Events       []rules.Event       `json:"events"`
	Measurements []rules.Measurement `json:"measurements"`
	Activities   []rules.Activity    `json:"activities"`
}

// EvaluateResponse is a risk calculation together with the hash of the
// ruleset that produced it
type EvaluateResponse struct {
	*rules.RiskCalculation
	RuleVersionHash string `json:"ruleVersionHash"`
	EvaluationTime  string `json:"evaluationTime" example:"180µs"`
}

// SnapshotRequest optionally pins the snapshot instant
type SnapshotRequest struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// LevelResultResponse is the outcome of one level in a snapshot run
type LevelResultResponse struct {
	LevelNumber int                     `json:"levelNumber"`
	LevelName   string                  `json:"levelName"`
	Snapshot    *snapshot.LevelSnapshot `json:"snapshot,omitempty"`
	AuditID     string                  `json:"auditId,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// SnapshotResponse reports a snapshot run. Complete is false when any level failed.
type SnapshotResponse struct {
	Snapshot        *snapshot.Snapshot    `json:"snapshot"`
	RuleVersionHash string                `json:"ruleVersionHash"`
	Complete        bool                  `json:"complete"`
	FailedLevels    int                   `json:"failedLevels"`
	Levels          []LevelResultResponse `json:"levels"`
}

func newSnapshotResponse(res *snapshot.Result) SnapshotResponse {
	resp := SnapshotResponse{
		Snapshot:        res.Snapshot,
		RuleVersionHash: res.RuleVersionHash,
		Complete:        res.Complete(),
		FailedLevels:    res.Failed(),
		Levels:          make([]LevelResultResponse, 0, len(res.Levels)),
	}
	for _, lr := range res.Levels {
		l := LevelResultResponse{
			LevelNumber: lr.Level.Number,
			LevelName:   lr.Level.Name,
			Snapshot:    lr.Snapshot,
		}
		if lr.Audit != nil {
			l.AuditID = lr.Audit.ID
		}
		if lr.Err != nil {
			l.Error = lr.Err.Error()
		}
		resp.Levels = append(resp.Levels, l)
	}
	return resp
}

// LatestSnapshotResponse is the most recent snapshot and its levels
type LatestSnapshotResponse struct {
	Snapshot *snapshot.Snapshot       `json:"snapshot"`
	Levels   []*snapshot.LevelSnapshot `json:"levels"`
}

// AuditListResponse lists audit entries for a level, newest first
type AuditListResponse struct {
	Entries []*audit.Entry `json:"entries"`
}

// VerifyRequest carries a hash recorded with an earlier calculation
type VerifyRequest struct {
	Hash    string `json:"hash,omitempty" example:"3f2a9c0b7d1e4a55"`
	AuditID string `json:"auditId,omitempty"`
}

// VerifyResponse reports whether the current ruleset matches the stored hash
type VerifyResponse struct {
	audit.Verification
	StoredHash string `json:"storedHash"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string       `json:"status" example:"healthy"`
	Storage       string       `json:"storage" example:"postgres"`
	RulesLoaded   int          `json:"rulesLoaded"`
	RulesLoadedAt *time.Time   `json:"rulesLoadedAt,omitempty"`
	Levels        int          `json:"levels"`
	Logs          logger.Stats `json:"logs"`
	Error         string       `json:"error,omitempty"`
}
