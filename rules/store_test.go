package rules

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

// TestRuleStoreInterfaceExists verifies every store satisfies RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*PostgresRuleStore)(nil)
	var _ RuleStore = (*FileRuleStore)(nil)
}

func TestInMemoryRuleStoreAddAndGet(t *testing.T) {
	store := NewInMemoryRuleStore()

	rule := additiveRule("ENV-METHANE", 200, 40, MeasurementCondition{SensorType: "methane", Threshold: 1, Operator: OpGreaterEqual})
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	retrieved, err := store.Get("ENV-METHANE")
	if err != nil {
		t.Fatalf("Get() failed after Add(): %v", err)
	}
	if retrieved.Name != rule.Name || retrieved.ImpactValue != 40 {
		t.Errorf("retrieved %+v, want %+v", retrieved, rule)
	}
	if retrieved.CreatedAt.IsZero() || !retrieved.CreatedAt.Equal(retrieved.UpdatedAt) {
		t.Errorf("timestamps not stamped: created %s updated %s", retrieved.CreatedAt, retrieved.UpdatedAt)
	}

	// The store keeps its own copy
	retrieved.Name = "mutated"
	again, _ := store.Get("ENV-METHANE")
	if again.Name == "mutated" {
		t.Error("Get() returned the stored pointer")
	}
}

func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	store := NewInMemoryRuleStore()

	_ = store.Add(additiveRule("DUP", 1, 10, always))
	err := store.Add(additiveRule("DUP", 2, 20, always))
	if !errors.Is(err, ErrRuleExists) {
		t.Fatalf("Add() duplicate error = %v, want ErrRuleExists", err)
	}

	stored, _ := store.Get("DUP")
	if stored.ImpactValue != 10 {
		t.Errorf("duplicate add overwrote the rule: impactValue = %d", stored.ImpactValue)
	}
}

func TestInMemoryRuleStoreGetNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	if _, err := store.Get("NOPE"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreUpdate(t *testing.T) {
	store := NewInMemoryRuleStore()
	_ = store.Add(additiveRule("ENV-CO", 210, 30, always))
	original, _ := store.Get("ENV-CO")

	time.Sleep(5 * time.Millisecond)

	update := additiveRule("ENV-CO", 210, 45, always)
	update.Version = 2
	if err := store.Update(update); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	stored, _ := store.Get("ENV-CO")
	if stored.ImpactValue != 45 || stored.Version != 2 {
		t.Errorf("stored %+v", stored)
	}
	if !stored.CreatedAt.Equal(original.CreatedAt) {
		t.Error("Update() must preserve CreatedAt")
	}
	if !stored.UpdatedAt.After(original.UpdatedAt) {
		t.Error("Update() must advance UpdatedAt")
	}

	if err := store.Update(additiveRule("MISSING", 1, 1, always)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() on missing rule error = %v", err)
	}
}

func TestInMemoryRuleStoreListOrdering(t *testing.T) {
	store := NewInMemoryRuleStore()

	disabled := additiveRule("BEH-OFF", 300, 5, always)
	disabled.Enabled = false
	for _, r := range []*Rule{
		additiveRule("ENV-B", 200, 5, always),
		additiveRule("LOCK", 10, 5, always),
		additiveRule("ENV-A", 200, 5, always),
		disabled,
	} {
		if err := store.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := store.List()
	enabled, _ := store.ListEnabled()

	want := []string{"LOCK", "ENV-A", "ENV-B", "BEH-OFF"}
	if len(all) != len(want) {
		t.Fatalf("List() = %d rules, want %d", len(all), len(want))
	}
	for i, code := range want {
		if all[i].Code != code {
			t.Errorf("List()[%d] = %s, want %s", i, all[i].Code, code)
		}
	}
	if len(enabled) != 3 {
		t.Errorf("ListEnabled() = %d rules, want 3", len(enabled))
	}
	for _, r := range enabled {
		if !r.Enabled {
			t.Errorf("ListEnabled() returned disabled rule %s", r.Code)
		}
	}
}

func TestInMemoryRuleStoreListExtremeOrders(t *testing.T) {
	store := NewInMemoryRuleStore()
	for _, r := range []*Rule{
		additiveRule("B", math.MinInt, 5, always),
		additiveRule("C", math.MaxInt, 5, always),
		additiveRule("A", math.MinInt, 5, always),
	} {
		if err := store.Add(r); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := store.List()
	want := []string{"A", "B", "C"}
	for i, code := range want {
		if all[i].Code != code {
			t.Errorf("List()[%d] = %s, want %s", i, all[i].Code, code)
		}
	}
}

func TestInMemoryRuleStoreListEmpty(t *testing.T) {
	store := NewInMemoryRuleStore()

	enabled, err := store.ListEnabled()
	if err != nil {
		t.Fatal(err)
	}
	if enabled == nil || len(enabled) != 0 {
		t.Errorf("ListEnabled() = %#v, want empty non-nil slice", enabled)
	}
}

func TestInMemoryRuleStoreDelete(t *testing.T) {
	store := NewInMemoryRuleStore()
	_ = store.Add(additiveRule("GONE", 1, 10, always))

	if err := store.Delete("GONE"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get("GONE"); !errors.Is(err, ErrRuleNotFound) {
		t.Error("rule still present after Delete()")
	}
	if err := store.Delete("GONE"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreConcurrentAdd verifies the store is safe for concurrent writers
func TestInMemoryRuleStoreConcurrentAdd(t *testing.T) {
	store := NewInMemoryRuleStore()

	var wg sync.WaitGroup
	numGoroutines := 10
	rulesPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			for j := 0; j < rulesPerGoroutine; j++ {
				rule := additiveRule(fmt.Sprintf("R%d-%d", goroutineID, j), j, 1, always)
				if err := store.Add(rule); err != nil {
					t.Errorf("Concurrent Add() failed: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	enabled, err := store.ListEnabled()
	if err != nil {
		t.Fatalf("ListEnabled() after concurrent adds failed: %v", err)
	}

	expected := numGoroutines * rulesPerGoroutine
	if len(enabled) != expected {
		t.Errorf("After concurrent adds, got %d rules, want %d", len(enabled), expected)
	}
}

// TestInMemoryRuleStoreConcurrentReadWrite verifies concurrent reads and writes
func TestInMemoryRuleStoreConcurrentReadWrite(t *testing.T) {
	store := NewInMemoryRuleStore()
	for i := 0; i < 10; i++ {
		_ = store.Add(additiveRule(fmt.Sprintf("R%d", i), i, 1, always))
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := store.Get(fmt.Sprintf("R%d", j%10)); err != nil {
					t.Errorf("Concurrent Get() failed: %v", err)
				}
				_, _ = store.List()
			}
		}()
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r := additiveRule(fmt.Sprintf("R%d", j%10), j%10, id+j, always)
				if err := store.Update(r); err != nil {
					t.Errorf("Concurrent Update() failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
}
