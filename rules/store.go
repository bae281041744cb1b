package rules

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRuleNotFound is returned when no rule has the requested code
	ErrRuleNotFound = errors.New("rule not found")
	// ErrRuleExists is returned when adding a rule whose code is taken
	ErrRuleExists = errors.New("rule already exists")
	// ErrReadOnly is returned by stores that do not accept writes
	ErrReadOnly = errors.New("rule store is read-only")
	// ErrInvalidRule wraps every rule validation failure
	ErrInvalidRule = errors.New("invalid rule")
)

// RuleStore manages rule persistence and retrieval. Rules are keyed by code.
type RuleStore interface {
	// Add a new rule
	Add(rule *Rule) error

	// Get a rule by code
	Get(code string) (*Rule, error)

	// List all rules ordered by evaluation order, then code
	List() ([]*Rule, error)

	// ListEnabled returns enabled rules ordered by evaluation order, then code
	ListEnabled() ([]*Rule, error)

	// Update an existing rule
	Update(rule *Rule) error

	// Delete a rule
	Delete(code string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add adds a new rule and stamps CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.Code]; exists {
		return fmt.Errorf("rule %s: %w", rule.Code, ErrRuleExists)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.Code] = rule.Clone()
	return nil
}

// Get retrieves a rule by code
func (s *InMemoryRuleStore) Get(code string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[code]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", code, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns every rule
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

// ListEnabled returns enabled rules
func (s *InMemoryRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(enabledOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule.Clone())
	}
	sortByOrderThenCode(out)
	return out
}

// Update replaces an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.Code]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.Code, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.Code] = rule.Clone()
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[code]; !exists {
		return fmt.Errorf("rule %s: %w", code, ErrRuleNotFound)
	}

	delete(s.rules, code)
	return nil
}

func sortByOrderThenCode(rules []*Rule) {
	slices.SortFunc(rules, func(a, b *Rule) int {
		if a.EvaluationOrder != b.EvaluationOrder {
			return cmp.Compare(a.EvaluationOrder, b.EvaluationOrder)
		}
		return strings.Compare(a.Code, b.Code)
	})
}
