package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/internal/logger"
	"github.com/liamcoop/minerisk/rules"
	"github.com/liamcoop/minerisk/snapshot"
)

const maxBodyBytes = 1 << 20

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Storage: s.storage,
		Levels:  len(s.levels.Levels),
		Logs:    logger.GetStats(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	enabled, err := s.engine.EnabledRules()
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.RulesLoaded = len(enabled)
	if at := s.engine.RulesLoadedAt(); !at.IsZero() {
		resp.RulesLoadedAt = &at
	}

	respondJSON(w, http.StatusOK, resp)
}

// respondRuleError maps rule store and validation errors to a status
func respondRuleError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists", err)
	case errors.Is(err, rules.ErrReadOnly):
		respondError(w, http.StatusMethodNotAllowed, "rules are managed by the rules file", err)
	case errors.Is(err, rules.ErrInvalidRule):
		respondError(w, http.StatusBadRequest, "invalid rule", err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// readRule validates the raw payload before decoding it
func readRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if err := rules.ValidateRuleJSON(body); err != nil {
		return nil, err
	}

	var rule rules.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.engine.Rules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if all == nil {
		all = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: all})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := readRule(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.engine.AddRule(rule); err != nil {
		respondRuleError(w, "failed to add rule", err)
		return
	}

	stored, err := s.engine.Rule(rule.Code)
	if err != nil {
		respondRuleError(w, "failed to read back rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, stored)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "ruleCode")

	rule, err := s.engine.Rule(code)
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler. The stored version is bumped on every update.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "ruleCode")

	rule, err := readRule(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if rule.Code != code {
		respondError(w, http.StatusBadRequest, "ruleCode does not match the URL", nil)
		return
	}

	if err := s.engine.UpdateRule(rule); err != nil {
		respondRuleError(w, "failed to update rule", err)
		return
	}

	stored, err := s.engine.Rule(code)
	if err != nil {
		respondRuleError(w, "failed to read back rule", err)
		return
	}

	respondJSON(w, http.StatusOK, stored)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "ruleCode")

	if err := s.engine.DeleteRule(code); err != nil {
		respondRuleError(w, "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Ruleset hash handler
func (s *Server) handleRuleHash(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.engine.EnabledRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}

	respondJSON(w, http.StatusOK, RuleHashResponse{
		RuleVersionHash: audit.RuleVersionHash(enabled),
		RuleCount:       len(enabled),
	})
}

func (s *Server) knownLevel(level int) bool {
	_, ok := s.levels.Level(level)
	return ok
}

// Event ingestion handler
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var e rules.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&e); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if e.EventType == "" {
		respondError(w, http.StatusBadRequest, "eventType is required", nil)
		return
	}
	if !s.knownLevel(e.LevelNumber) {
		respondError(w, http.StatusBadRequest, "unknown level", nil)
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := s.contexts.RecordEvent(r.Context(), &e); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record event", err)
		return
	}

	respondJSON(w, http.StatusCreated, e)
}

// Measurement ingestion handler
func (s *Server) handleRecordMeasurement(w http.ResponseWriter, r *http.Request) {
	var m rules.Measurement
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&m); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if m.SensorType == "" {
		respondError(w, http.StatusBadRequest, "sensorType is required", nil)
		return
	}
	if !s.knownLevel(m.LevelNumber) {
		respondError(w, http.StatusBadRequest, "unknown level", nil)
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if err := s.contexts.RecordMeasurement(r.Context(), &m); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record measurement", err)
		return
	}

	respondJSON(w, http.StatusCreated, m)
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rc := rules.RiskContext{
		Timestamp:    time.Now().UTC(),
		LevelNumber:  req.LevelNumber,
		Events:       req.Events,
		Measurements: req.Measurements,
		Activities:   req.Activities,
	}
	if req.Timestamp != nil {
		rc.Timestamp = *req.Timestamp
	}

	enabled, err := s.engine.EnabledRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}

	startTime := time.Now()
	calc := s.engine.Calculate(rc, enabled)

	respondJSON(w, http.StatusOK, EvaluateResponse{
		RiskCalculation: calc,
		RuleVersionHash: audit.RuleVersionHash(enabled),
		EvaluationTime:  time.Since(startTime).String(),
	})
}

// Snapshot trigger handler. Partial snapshots are reported with 207.
func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	at := time.Now().UTC()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	// The run outlives a disconnecting client so every level is persisted
	res, err := s.orchestrator.Run(context.WithoutCancel(r.Context()), at)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "snapshot failed", err)
		return
	}

	status := http.StatusCreated
	if !res.Complete() {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, newSnapshotResponse(res))
}

// Latest snapshot handler
func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, levels, err := s.snapshots.Latest(r.Context())
	if errors.Is(err, snapshot.ErrNoSnapshots) {
		respondError(w, http.StatusNotFound, "no snapshots recorded", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get latest snapshot", err)
		return
	}

	respondJSON(w, http.StatusOK, LatestSnapshotResponse{Snapshot: snap, Levels: levels})
}

// Audit entry handler
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusNotFound, "audit entry not found", err)
		return
	}
	entry, err := s.audits.Get(r.Context(), id)
	if errors.Is(err, audit.ErrEntryNotFound) {
		respondError(w, http.StatusNotFound, "audit entry not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get audit entry", err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// Level audit history handler
func (s *Server) handleListLevelAudit(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "level must be a number", err)
		return
	}
	if !s.knownLevel(level) {
		respondError(w, http.StatusNotFound, "unknown level", nil)
		return
	}

	limit := audit.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive number", err)
			return
		}
	}

	entries, err := s.audits.ListByLevel(r.Context(), level, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list audit entries", err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}

	respondJSON(w, http.StatusOK, AuditListResponse{Entries: entries})
}

// Reproducibility check handler. Accepts a raw hash or the ID of an audit entry.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	stored := req.Hash
	if req.AuditID != "" {
		if _, err := uuid.Parse(req.AuditID); err != nil {
			respondError(w, http.StatusNotFound, "audit entry not found", err)
			return
		}
		entry, err := s.audits.Get(r.Context(), req.AuditID)
		if errors.Is(err, audit.ErrEntryNotFound) {
			respondError(w, http.StatusNotFound, "audit entry not found", err)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to get audit entry", err)
			return
		}
		stored = entry.RuleVersionHash
	}
	if stored == "" {
		respondError(w, http.StatusBadRequest, "hash or auditId is required", nil)
		return
	}

	enabled, err := s.engine.EnabledRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}

	respondJSON(w, http.StatusOK, VerifyResponse{
		Verification: audit.VerifyReproducibility(enabled, stored),
		StoredHash:   stored,
	})
}
