package spend

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"maestro/internal/catalog"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s/spend.db", t.TempDir())),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	store, err := NewStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(t *testing.T, s *Store, model string, cost catalog.Microcents) {
	t.Helper()
	require.NoError(t, s.Record(&SpendEvent{
		RequestID:      "req-" + model,
		Provider:       "anthropic",
		Model:          model,
		InputTokens:    100,
		OutputTokens:   50,
		CostMicrocents: int64(cost),
	}))
}

func TestRecordFillsBucketKeys(t *testing.T) {
	s := openStore(t)
	record(t, s, "claude-haiku-4.5", catalog.FromDollars(0.01))

	events, err := s.RecentEvents(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DayKey(time.Now().UTC()), events[0].DayKey)
	assert.Equal(t, MonthKey(time.Now().UTC()), events[0].MonthKey)
}

func TestDailyAndMonthlyTotals(t *testing.T) {
	s := openStore(t)
	record(t, s, "claude-haiku-4.5", catalog.FromDollars(0.25))
	record(t, s, "claude-sonnet-4.5", catalog.FromDollars(0.75))

	now := time.Now().UTC()
	day, count, err := s.DailyTotal(now)
	require.NoError(t, err)
	assert.Equal(t, catalog.FromDollars(1), day)
	assert.Equal(t, 2, count)

	month, count, err := s.MonthlyTotal(now)
	require.NoError(t, err)
	assert.Equal(t, catalog.FromDollars(1), month)
	assert.Equal(t, 2, count)

	// Other buckets stay empty.
	day, count, err = s.DailyTotal(now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, day)
	assert.Zero(t, count)
}

func TestBreakdownByModelOrdersByCost(t *testing.T) {
	s := openStore(t)
	record(t, s, "claude-haiku-4.5", catalog.FromDollars(0.10))
	record(t, s, "claude-opus-4.6", catalog.FromDollars(2.00))
	record(t, s, "claude-haiku-4.5", catalog.FromDollars(0.10))

	items, err := s.BreakdownByModel(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "claude-opus-4.6", items[0].Key)
	assert.Equal(t, int64(catalog.FromDollars(2)), items[0].CostMicrocents)
	assert.Equal(t, "claude-haiku-4.5", items[1].Key)
	assert.Equal(t, 2, items[1].Count)
}

func TestCapsLifecycle(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.SetCap(CapDaily, catalog.FromDollars(5), ActionStop))
	require.NoError(t, s.SetCap(CapMonthly, catalog.FromDollars(50), ActionWarn))

	caps, err := s.GetCaps()
	require.NoError(t, err)
	assert.Len(t, caps, 2)

	// Updating replaces rather than duplicating.
	require.NoError(t, s.SetCap(CapDaily, catalog.FromDollars(7), ActionStop))
	caps, err = s.GetCaps()
	require.NoError(t, err)
	require.Len(t, caps, 2)
	for _, c := range caps {
		if c.CapType == CapDaily {
			assert.Equal(t, int64(catalog.FromDollars(7)), c.LimitMicrocents)
		}
	}

	require.NoError(t, s.DeleteCap(CapDaily))
	caps, err = s.GetCaps()
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, CapMonthly, caps[0].CapType)
}

func TestSetCapRejectsUnknownType(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.SetCap("weekly", catalog.FromDollars(1), ActionStop))
}

func TestExportCSV(t *testing.T) {
	s := openStore(t)
	record(t, s, "claude-haiku-4.5", catalog.FromDollars(0.50))
	record(t, s, "gpt-5.2", catalog.FromDollars(1.25))

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(&buf, time.Now().UTC()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "created_at", rows[0][0])
	assert.Equal(t, "claude-haiku-4.5", rows[1][5])
	assert.Equal(t, "0.500000", rows[1][10])
	assert.Equal(t, "gpt-5.2", rows[2][5])
}
