// Package journal persists lifecycle events, settlement instructions, custody
// records and smart-account grants in a relational database.
package journal

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sodiumcore/core/events"
)

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return db, nil
}

// gormLogger reports slow queries and failures. Lookups that find nothing
// are ordinary here and stay quiet.
func gormLogger() logger.Interface {
	return logger.New(log.New(os.Stderr, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Journal records every emitted lifecycle event. It implements
// events.Emitter; write failures are logged, never returned to the emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(db *gorm.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}
}

// Emit implements events.Emitter.
func (j *Journal) Emit(ev events.Event) {
	if j == nil || ev == nil {
		return
	}
	recordable, ok := ev.(events.Recordable)
	if !ok {
		return
	}
	rec := recordable.Record()
	if rec == nil {
		return
	}
	row := EventRecord{
		ID:         uuid.New(),
		LoanID:     rec.Attributes["loanId"],
		Type:       rec.Type,
		Attributes: rec.Attributes,
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.Create(&row).Error; err != nil {
		j.logger.Error("journal event write failed", "type", rec.Type, "loan", row.LoanID, "error", err)
	}
}

// Events returns the journal for a loan, oldest first.
func (j *Journal) Events(ctx context.Context, loanID string) ([]EventRecord, error) {
	var rows []EventRecord
	err := j.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list events: %w", err)
	}
	return rows, nil
}
