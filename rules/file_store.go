package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/minerisk/internal/logger"
)

// RuleFile is the YAML document holding a ruleset
type RuleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRuleFile reads and validates a YAML rule file. Codes must be unique.
func LoadRuleFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRuleFile(data)
}

// ParseRuleFile decodes and validates YAML rule file content
func ParseRuleFile(data []byte) ([]*Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	seen := make(map[string]bool, len(file.Rules))
	for i, r := range file.Rules {
		if r == nil {
			return nil, fmt.Errorf("rules[%d] is empty", i)
		}
		if r.Version == 0 {
			r.Version = 1
		}
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if seen[r.Code] {
			return nil, fmt.Errorf("rules[%d]: duplicate ruleCode %s", i, r.Code)
		}
		seen[r.Code] = true
	}
	return file.Rules, nil
}

// FileRuleStore is a read-only RuleStore over a YAML rule file
type FileRuleStore struct {
	path  string
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewFileRuleStore loads path and returns a store over its rules
func NewFileRuleStore(path string) (*FileRuleStore, error) {
	s := &FileRuleStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rule file. On error the previous ruleset is kept.
func (s *FileRuleStore) Reload() error {
	loaded, err := LoadRuleFile(s.path)
	if err != nil {
		return err
	}

	byCode := make(map[string]*Rule, len(loaded))
	for _, r := range loaded {
		byCode[r.Code] = r
	}

	s.mu.Lock()
	s.rules = byCode
	s.mu.Unlock()
	return nil
}

// Get retrieves a rule by code
func (s *FileRuleStore) Get(code string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[code]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", code, ErrRuleNotFound)
	}
	return r.Clone(), nil
}

// List returns every rule in the file
func (s *FileRuleStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

// ListEnabled returns enabled rules in the file
func (s *FileRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *FileRuleStore) list(enabledOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r.Clone())
	}
	sortByOrderThenCode(out)
	return out
}

// Add is not supported; edit the rule file instead
func (s *FileRuleStore) Add(*Rule) error { return ErrReadOnly }

// Update is not supported; edit the rule file instead
func (s *FileRuleStore) Update(*Rule) error { return ErrReadOnly }

// Delete is not supported; edit the rule file instead
func (s *FileRuleStore) Delete(string) error { return ErrReadOnly }

// reloadDebounce collapses the burst of events editors emit on save
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the file when it changes and calls onChange after each
// successful reload. It blocks until ctx is cancelled.
func (s *FileRuleStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-on-save is observed
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := s.Reload(); err != nil {
					logger.Error("rule file reload failed", "path", s.path, "error", err)
					return
				}
				logger.Info("rule file reloaded", "path", s.path)
				if onChange != nil {
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rule file watcher error", "error", err)
		}
	}
}
