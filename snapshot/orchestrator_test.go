package snapshot

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/internal/metrics"
	"github.com/liamcoop/minerisk/rules"
)

func intp(n int) *int { return &n }

func testLevels() *LevelsConfig {
	return &LevelsConfig{
		LookbackMinutes: 120,
		Levels: []Level{
			{Number: 1, Name: "Portal"},
			{Number: 2, Name: "Ventilation drive", Activities: []rules.Activity{
				{ID: "l2-haul", Name: "Ore haulage", Status: rules.ActivityActive},
			}},
			{Number: 3, Name: "Development heading"},
		},
	}
}

func testEngine(t *testing.T) *rules.Engine {
	t.Helper()
	store := rules.NewInMemoryRuleStore()
	require.NoError(t, store.Add(&rules.Rule{
		Code:            "LOCK-BLAST",
		Category:        rules.CategoryLockout,
		Name:            "Post-blast lockout",
		ImpactType:      rules.ImpactForce,
		ImpactValue:     100,
		Condition:       rules.EventCondition{EventType: "blast_fired", WithinMinutes: intp(60)},
		EvaluationOrder: 10,
		Enabled:         true,
		Version:         1,
	}))
	require.NoError(t, store.Add(&rules.Rule{
		Code:            "ENV-METHANE",
		Category:        rules.CategoryEnvironmental,
		Name:            "Methane above 1%",
		ImpactType:      rules.ImpactAdditive,
		ImpactValue:     40,
		Condition:       rules.MeasurementCondition{SensorType: "methane", Operator: rules.OpGreaterEqual, Threshold: 1.0},
		EvaluationOrder: 200,
		Enabled:         true,
		Version:         1,
	}))
	return rules.NewEngine(store)
}

// seededContexts has a recent blast on level 1 and high methane on level 2
func seededContexts(t *testing.T) *InMemoryContextStore {
	t.Helper()
	ctx := context.Background()
	store := NewInMemoryContextStore()
	require.NoError(t, store.RecordEvent(ctx, &rules.Event{LevelNumber: 1, EventType: "blast_fired", Timestamp: ago(10)}))
	require.NoError(t, store.RecordMeasurement(ctx, &rules.Measurement{LevelNumber: 2, SensorType: "methane", Value: 1.2, Unit: "%", Timestamp: ago(2)}))
	require.NoError(t, store.RecordMeasurement(ctx, &rules.Measurement{LevelNumber: 3, SensorType: "methane", Value: 0.1, Unit: "%", Timestamp: ago(2)}))
	return store
}

type failingSource struct {
	ContextSource
	level int
}

func (f failingSource) Window(ctx context.Context, level int, from, to time.Time) (Window, error) {
	if level == f.level {
		return Window{}, errors.New("sensor gateway timeout")
	}
	return f.ContextSource.Window(ctx, level, from, to)
}

type failingSink struct {
	*InMemorySink
	level     int
	createErr error
}

func (f *failingSink) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.InMemorySink.CreateSnapshot(ctx, s)
}

func (f *failingSink) SaveLevel(ctx context.Context, ls *LevelSnapshot, entry *audit.Entry) error {
	if ls.LevelNumber == f.level {
		return errors.New("disk full")
	}
	return f.InMemorySink.SaveLevel(ctx, ls, entry)
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []int
	err       error
}

func (p *recordingPublisher) PublishLevel(_ context.Context, ls *LevelSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ls.LevelNumber)
	return p.err
}

type erroringRules struct{}

func (erroringRules) EnabledRules() ([]*rules.Rule, error) { return nil, errors.New("db down") }
func (erroringRules) Calculate(rules.RiskContext, []*rules.Rule) *rules.RiskCalculation {
	return nil
}

func TestOrchestratorRun(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	audits := audit.NewInMemoryStore()
	sink := NewInMemorySink(audits)

	o := NewOrchestrator(engine, testLevels(), seededContexts(t), sink)
	res, err := o.Run(ctx, testNow)
	require.NoError(t, err)

	assert.True(t, res.Complete())
	assert.NoError(t, res.Err())
	assert.Equal(t, testNow, res.Snapshot.Timestamp)
	assert.NotEmpty(t, res.Snapshot.ID)

	enabled, err := engine.EnabledRules()
	require.NoError(t, err)
	assert.Equal(t, audit.RuleVersionHash(enabled), res.RuleVersionHash)

	require.Len(t, res.Levels, 3)
	want := []struct {
		score int
		band  rules.Band
	}{
		{100, rules.BandHigh},
		{40, rules.BandMedium},
		{0, rules.BandLow},
	}
	for i, lr := range res.Levels {
		require.NoError(t, lr.Err)
		require.NotNil(t, lr.Snapshot)
		require.NotNil(t, lr.Audit)

		assert.Equal(t, testLevels().Levels[i].Number, lr.Level.Number)
		assert.Equal(t, want[i].score, lr.Snapshot.Score)
		assert.Equal(t, want[i].band, lr.Snapshot.Band)
		assert.Equal(t, res.Snapshot.ID, lr.Snapshot.SnapshotID)

		assert.Equal(t, lr.Audit.ID, lr.Snapshot.AuditEntryID)
		assert.Equal(t, res.RuleVersionHash, lr.Audit.RuleVersionHash)
		assert.Equal(t, lr.Snapshot.Score, lr.Audit.FinalScore)
		require.NotNil(t, lr.Audit.SnapshotID)
		assert.Equal(t, res.Snapshot.ID, *lr.Audit.SnapshotID)
	}

	assert.Equal(t, "Ore haulage", res.Levels[1].Snapshot.Activities[0].Name)

	latest, levels, err := sink.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.ID, latest.ID)
	require.Len(t, levels, 3)
	assert.Equal(t, 1, levels[0].LevelNumber)

	entries, err := audits.ListByLevel(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 40, entries[0].FinalScore)
}

func TestOrchestratorRunIsReproducible(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	contexts := seededContexts(t)
	o := NewOrchestrator(engine, testLevels(), contexts, NewInMemorySink(audit.NewInMemoryStore()))

	res, err := o.Run(ctx, testNow)
	require.NoError(t, err)

	current, err := engine.EnabledRules()
	require.NoError(t, err)

	for _, lr := range res.Levels {
		w, err := contexts.Window(ctx, lr.Level.Number, testNow.Add(-2*time.Hour), testNow)
		require.NoError(t, err)
		rc := rules.RiskContext{
			Timestamp:    testNow,
			LevelNumber:  lr.Level.Number,
			Events:       w.Events,
			Measurements: w.Measurements,
			Activities:   lr.Snapshot.Activities,
		}
		replay := audit.ReplayEntry(lr.Audit, rc, current)
		assert.True(t, replay.Reproducible, "level %d", lr.Level.Number)
		assert.True(t, replay.ScoreMatches, "level %d", lr.Level.Number)
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	sink := &failingSink{InMemorySink: NewInMemorySink(audit.NewInMemoryStore()), level: 3}
	contexts := failingSource{ContextSource: seededContexts(t), level: 1}

	o := NewOrchestrator(testEngine(t), testLevels(), contexts, sink, WithMetrics(m))
	res, err := o.Run(ctx, testNow)
	require.NoError(t, err)

	assert.False(t, res.Complete())
	assert.Equal(t, 2, res.Failed())

	assert.ErrorContains(t, res.Levels[0].Err, "sensor gateway timeout")
	assert.Nil(t, res.Levels[0].Snapshot)

	require.NoError(t, res.Levels[1].Err)
	assert.Equal(t, 40, res.Levels[1].Snapshot.Score)

	assert.ErrorContains(t, res.Levels[2].Err, "disk full")
	assert.Nil(t, res.Levels[2].Snapshot)

	joined := res.Err()
	require.Error(t, joined)
	assert.Contains(t, joined.Error(), "level 1:")
	assert.Contains(t, joined.Error(), "level 3:")

	_, levels, err := sink.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, 2, levels[0].LevelNumber)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LevelFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsTotal.WithLabelValues("partial")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.LevelScore.WithLabelValues("2")))
}

func TestOrchestratorRunFailsWithoutSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("ruleset unavailable", func(t *testing.T) {
		sink := NewInMemorySink(audit.NewInMemoryStore())
		o := NewOrchestrator(erroringRules{}, testLevels(), seededContexts(t), sink)

		_, err := o.Run(ctx, testNow)
		assert.ErrorContains(t, err, "db down")

		_, _, err = sink.Latest(ctx)
		assert.ErrorIs(t, err, ErrNoSnapshots)
	})

	t.Run("snapshot not created", func(t *testing.T) {
		sink := &failingSink{InMemorySink: NewInMemorySink(audit.NewInMemoryStore()), createErr: errors.New("read-only")}
		o := NewOrchestrator(testEngine(t), testLevels(), seededContexts(t), sink)

		_, err := o.Run(ctx, testNow)
		assert.ErrorContains(t, err, "read-only")
	})
}

func TestOrchestratorPublishes(t *testing.T) {
	ctx := context.Background()

	t.Run("every persisted level", func(t *testing.T) {
		pub := &recordingPublisher{}
		sink := &failingSink{InMemorySink: NewInMemorySink(audit.NewInMemoryStore()), level: 2}
		o := NewOrchestrator(testEngine(t), testLevels(), seededContexts(t), sink, WithPublisher(pub))

		_, err := o.Run(ctx, testNow)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{1, 3}, pub.published)
	})

	t.Run("failures do not fail the level", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetrics(reg)
		pub := &recordingPublisher{err: errors.New("no responders")}
		o := NewOrchestrator(testEngine(t), testLevels(), seededContexts(t),
			NewInMemorySink(audit.NewInMemoryStore()), WithPublisher(pub), WithMetrics(m))

		res, err := o.Run(ctx, testNow)
		require.NoError(t, err)
		assert.True(t, res.Complete())
		assert.Len(t, pub.published, 3)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.PublishErrors))
	})
}

type countingSource struct {
	ContextSource
	current atomic.Int32
	peak    atomic.Int32
}

func (c *countingSource) Window(ctx context.Context, level int, from, to time.Time) (Window, error) {
	n := c.current.Add(1)
	defer c.current.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return c.ContextSource.Window(ctx, level, from, to)
}

func TestOrchestratorConcurrencyLimit(t *testing.T) {
	levels := &LevelsConfig{}
	for i := 1; i <= 8; i++ {
		levels.Levels = append(levels.Levels, Level{Number: i})
	}
	src := &countingSource{ContextSource: NewInMemoryContextStore()}

	o := NewOrchestrator(testEngine(t), levels, src, NewInMemorySink(audit.NewInMemoryStore()), WithConcurrency(2))
	res, err := o.Run(context.Background(), testNow)
	require.NoError(t, err)

	assert.True(t, res.Complete())
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
}

func TestOrchestratorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(testEngine(t), testLevels(), seededContexts(t), NewInMemorySink(audit.NewInMemoryStore()))
	res, err := o.Run(ctx, testNow)
	require.NoError(t, err)

	assert.Equal(t, len(res.Levels), res.Failed())
	for _, lr := range res.Levels {
		assert.ErrorIs(t, lr.Err, context.Canceled)
	}
}

func TestOrchestratorWithActivitySource(t *testing.T) {
	src := activityFunc(func(_ context.Context, level int) ([]rules.Activity, error) {
		if level == 2 {
			return nil, errors.New("planning system unavailable")
		}
		return []rules.Activity{{ID: "x", Name: "Shotcrete", Status: rules.ActivityPlanned}}, nil
	})

	o := NewOrchestrator(testEngine(t), testLevels(), seededContexts(t),
		NewInMemorySink(audit.NewInMemoryStore()), WithActivitySource(src))
	res, err := o.Run(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, "Shotcrete", res.Levels[0].Snapshot.Activities[0].Name)
	assert.ErrorContains(t, res.Levels[1].Err, "could not fetch activities")
}

type activityFunc func(ctx context.Context, level int) ([]rules.Activity, error)

func (f activityFunc) Activities(ctx context.Context, level int) ([]rules.Activity, error) {
	return f(ctx, level)
}

func TestOrchestratorSchedule(t *testing.T) {
	sink := NewInMemorySink(audit.NewInMemoryStore())
	o := NewOrchestrator(testEngine(t), testLevels(), NewInMemoryContextStore(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Schedule(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, err := sink.Latest(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule did not return after cancel")
	}
}

func TestSortLevelsExtremeNumbers(t *testing.T) {
	levels := []*LevelSnapshot{
		{LevelNumber: math.MaxInt},
		{LevelNumber: 3},
		{LevelNumber: math.MinInt},
	}
	sortLevels(levels)

	assert.Equal(t, math.MinInt, levels[0].LevelNumber)
	assert.Equal(t, 3, levels[1].LevelNumber)
	assert.Equal(t, math.MaxInt, levels[2].LevelNumber)
}
