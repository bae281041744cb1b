package snapshot

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/minerisk/rules"
)

// DefaultLookback is how far back events and measurements are pulled for a level
const DefaultLookback = 120 * time.Minute

// Level is one mine level and the activities currently planned or running on it
type Level struct {
	Number     int              `yaml:"number" json:"number"`
	Name       string           `yaml:"name" json:"name"`
	Activities []rules.Activity `yaml:"activities" json:"activities"`
}

// LevelsConfig is the fixed set of levels a snapshot covers
type LevelsConfig struct {
	LookbackMinutes int     `yaml:"lookbackMinutes"`
	Levels          []Level `yaml:"levels"`
}

// LoadLevels reads a levels YAML file
func LoadLevels(path string) (*LevelsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read levels file: %w", err)
	}
	return ParseLevels(data)
}

// ParseLevels decodes and validates levels YAML
func ParseLevels(data []byte) (*LevelsConfig, error) {
	var cfg LevelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse levels file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that level numbers are unique and lookback is sane
func (c *LevelsConfig) Validate() error {
	if len(c.Levels) == 0 {
		return fmt.Errorf("levels config must define at least one level")
	}
	if c.LookbackMinutes < 0 {
		return fmt.Errorf("lookbackMinutes must be >= 0")
	}
	seen := make(map[int]bool, len(c.Levels))
	for _, l := range c.Levels {
		if seen[l.Number] {
			return fmt.Errorf("duplicate level number %d", l.Number)
		}
		seen[l.Number] = true
		for _, a := range l.Activities {
			switch a.Status {
			case rules.ActivityPlanned, rules.ActivityActive, rules.ActivityCompleted:
			default:
				return fmt.Errorf("level %d activity %q: invalid status %q", l.Number, a.Name, a.Status)
			}
		}
	}
	return nil
}

// Lookback returns the configured lookback, or DefaultLookback when unset
func (c *LevelsConfig) Lookback() time.Duration {
	if c.LookbackMinutes <= 0 {
		return DefaultLookback
	}
	return time.Duration(c.LookbackMinutes) * time.Minute
}

// Level returns the level with the given number
func (c *LevelsConfig) Level(number int) (Level, bool) {
	i := slices.IndexFunc(c.Levels, func(l Level) bool { return l.Number == number })
	if i < 0 {
		return Level{}, false
	}
	return c.Levels[i], true
}

// Activities implements ActivitySource with the static per-level lists
func (c *LevelsConfig) Activities(_ context.Context, level int) ([]rules.Activity, error) {
	l, ok := c.Level(level)
	if !ok {
		return nil, fmt.Errorf("level %d is not configured", level)
	}
	return slices.Clone(l.Activities), nil
}
