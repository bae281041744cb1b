package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/minerisk/rules"
)

const levelsYAML = `
lookbackMinutes: 90
levels:
  - number: 1
    name: Portal
    activities:
      - id: l1-maint
        name: Conveyor maintenance
        status: active
  - number: 3
    name: Development heading
    activities: []
`

func TestParseLevels(t *testing.T) {
	cfg, err := ParseLevels([]byte(levelsYAML))
	require.NoError(t, err)

	assert.Len(t, cfg.Levels, 2)
	assert.Equal(t, 90*time.Minute, cfg.Lookback())

	l1, ok := cfg.Level(1)
	require.True(t, ok)
	assert.Equal(t, "Portal", l1.Name)
	require.Len(t, l1.Activities, 1)
	assert.Equal(t, rules.ActivityActive, l1.Activities[0].Status)

	_, ok = cfg.Level(2)
	assert.False(t, ok)
}

func TestParseLevelsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no levels":         "levels: []",
		"duplicate number":  "levels:\n  - number: 1\n  - number: 1\n",
		"bad status":        "levels:\n  - number: 1\n    activities:\n      - name: x\n        status: paused\n",
		"negative lookback": "lookbackMinutes: -5\nlevels:\n  - number: 1\n",
		"not yaml":          "levels: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLevels([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLookbackDefault(t *testing.T) {
	cfg := &LevelsConfig{Levels: []Level{{Number: 1}}}
	assert.Equal(t, DefaultLookback, cfg.Lookback())
}

func TestLoadLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "levels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(levelsYAML), 0o644))

	cfg, err := LoadLevels(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Levels, 2)

	_, err = LoadLevels(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLevelsConfigActivities(t *testing.T) {
	cfg, err := ParseLevels([]byte(levelsYAML))
	require.NoError(t, err)

	acts, err := cfg.Activities(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)

	// Callers get their own copy
	acts[0].Name = "changed"
	again, _ := cfg.Activities(context.Background(), 1)
	assert.Equal(t, "Conveyor maintenance", again[0].Name)

	_, err = cfg.Activities(context.Background(), 7)
	assert.Error(t, err)
}

func TestSampleLevelsFile(t *testing.T) {
	cfg, err := LoadLevels(filepath.Join("..", "config", "levels.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Levels)
}
