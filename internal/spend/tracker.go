package spend

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"maestro/internal/catalog"
	"maestro/internal/logging"
)

// Store persists and queries spend events. Postgres when a DSN is
// configured, embedded sqlite otherwise.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects, tunes the pool, and migrates the schema. An empty
// postgresDSN selects sqlite at sqlitePath.
func Open(postgresDSN, sqlitePath string) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	if postgresDSN != "" {
		db, err = gorm.Open(postgres.Open(postgresDSN), cfg)
	} else {
		if sqlitePath == "" {
			sqlitePath = "maestro.db"
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("spend: open database: %w", err)
	}

	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&SpendEvent{}, &BudgetCap{}); err != nil {
		return nil, fmt.Errorf("spend: migrate: %w", err)
	}

	return &Store{db: db, log: logging.L().Named("spend")}, nil
}

// NewStoreWithDB wraps an existing gorm handle (tests).
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SpendEvent{}, &BudgetCap{}); err != nil {
		return nil, fmt.Errorf("spend: migrate: %w", err)
	}
	return &Store{db: db, log: logging.L().Named("spend")}, nil
}

// Record persists one spend event, filling the day and month keys.
func (s *Store) Record(ev *SpendEvent) error {
	now := time.Now().UTC()
	if ev.DayKey == "" {
		ev.DayKey = DayKey(now)
	}
	if ev.MonthKey == "" {
		ev.MonthKey = MonthKey(now)
	}
	if err := s.db.Create(ev).Error; err != nil {
		return fmt.Errorf("spend: record event: %w", err)
	}
	return nil
}

type totalRow struct {
	Total int64
	Count int
}

// DailyTotal returns the day's accumulated cost and event count.
func (s *Store) DailyTotal(day time.Time) (catalog.Microcents, int, error) {
	var row totalRow
	err := s.db.Model(&SpendEvent{}).
		Select("COALESCE(SUM(cost_microcents), 0) as total, COUNT(*) as count").
		Where("day_key = ?", DayKey(day)).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("spend: daily query: %w", err)
	}
	return catalog.Microcents(row.Total), row.Count, nil
}

// MonthlyTotal returns the month's accumulated cost and event count.
func (s *Store) MonthlyTotal(month time.Time) (catalog.Microcents, int, error) {
	var row totalRow
	err := s.db.Model(&SpendEvent{}).
		Select("COALESCE(SUM(cost_microcents), 0) as total, COUNT(*) as count").
		Where("month_key = ?", MonthKey(month)).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("spend: monthly query: %w", err)
	}
	return catalog.Microcents(row.Total), row.Count, nil
}

// BreakdownByModel groups a month's spend by model, highest cost first.
func (s *Store) BreakdownByModel(month time.Time) ([]BreakdownItem, error) {
	var items []BreakdownItem
	err := s.db.Model(&SpendEvent{}).
		Select("model as key, SUM(cost_microcents) as cost_microcents, SUM(input_tokens) as input_tokens, SUM(output_tokens) as output_tokens, COUNT(*) as count").
		Where("month_key = ?", MonthKey(month)).
		Group("model").
		Order("cost_microcents DESC").
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("spend: breakdown query: %w", err)
	}
	return items, nil
}

// RecentEvents returns the latest n ledger rows.
func (s *Store) RecentEvents(n int) ([]SpendEvent, error) {
	if n <= 0 {
		n = 50
	}
	var events []SpendEvent
	if err := s.db.Order("id DESC").Limit(n).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("spend: recent events: %w", err)
	}
	return events, nil
}

// SetCap creates or updates the active cap of a type.
func (s *Store) SetCap(capType string, limit catalog.Microcents, action string) error {
	if capType != CapDaily && capType != CapMonthly {
		return fmt.Errorf("spend: unknown cap type %q", capType)
	}
	if action == "" {
		action = ActionStop
	}
	cap := BudgetCap{CapType: capType, LimitMicrocents: int64(limit), Action: action, IsActive: true}
	err := s.db.Where("cap_type = ?", capType).
		Assign(map[string]any{"limit_microcents": int64(limit), "action": action, "is_active": true}).
		FirstOrCreate(&cap).Error
	if err != nil {
		return fmt.Errorf("spend: set cap: %w", err)
	}
	return nil
}

// GetCaps returns all active caps.
func (s *Store) GetCaps() ([]BudgetCap, error) {
	var caps []BudgetCap
	if err := s.db.Where("is_active = ?", true).Find(&caps).Error; err != nil {
		return nil, fmt.Errorf("spend: get caps: %w", err)
	}
	return caps, nil
}

// DeleteCap soft-deactivates the cap of a type.
func (s *Store) DeleteCap(capType string) error {
	err := s.db.Model(&BudgetCap{}).
		Where("cap_type = ?", capType).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("spend: delete cap: %w", err)
	}
	return nil
}

// ExportCSV streams a month's ledger rows as CSV.
func (s *Store) ExportCSV(w io.Writer, month time.Time) error {
	var events []SpendEvent
	if err := s.db.Where("month_key = ?", MonthKey(month)).Order("id ASC").Find(&events).Error; err != nil {
		return fmt.Errorf("spend: export query: %w", err)
	}

	cw := csv.NewWriter(w)
	header := []string{
		"created_at", "request_id", "agent", "operation", "provider", "model",
		"input_tokens", "cached_input_tokens", "cache_write_tokens", "output_tokens",
		"cost_dollars", "day_key",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("spend: export header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.RequestID,
			ev.Agent,
			ev.Operation,
			ev.Provider,
			ev.Model,
			strconv.Itoa(ev.InputTokens),
			strconv.Itoa(ev.CachedInputTokens),
			strconv.Itoa(ev.CacheWriteTokens),
			strconv.Itoa(ev.OutputTokens),
			fmt.Sprintf("%.6f", ev.Cost().Dollars()),
			ev.DayKey,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("spend: export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
