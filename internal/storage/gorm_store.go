package storage

import (
	"context"
	"fmt"
	"iter"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"airelay/internal/models"
)

// interactionRow maps the interaction_log table for gorm.
type interactionRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Kind        string    `gorm:"size:16;not null;index"`
	SubmittedBy string    `gorm:"size:255;not null"`
	Input       string    `gorm:"type:text;not null"`
	Result      string    `gorm:"type:text;not null"`
	Status      string    `gorm:"size:16;not null;default:ok"`
	Model       string    `gorm:"size:255;not null;default:''"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (interactionRow) TableName() string {
	return "interaction_log"
}

func (r *interactionRow) record() *models.InteractionRecord {
	return &models.InteractionRecord{
		ID:          r.ID,
		Kind:        models.Kind(r.Kind),
		SubmittedBy: r.SubmittedBy,
		Input:       r.Input,
		Result:      r.Result,
		Status:      models.Status(r.Status),
		Model:       r.Model,
		CreatedAt:   r.CreatedAt,
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the postgres database and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&interactionRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Append stores one record.
func (s *GormStore) Append(ctx context.Context, rec models.InteractionRecord) (*models.InteractionRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	row := interactionRow{
		Kind:        string(rec.Kind),
		SubmittedBy: rec.SubmittedBy,
		Input:       rec.Input,
		Result:      rec.Result,
		Status:      string(rec.Status),
		Model:       rec.Model,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, persistenceErr("insert interaction", err)
	}
	return row.record(), nil
}

// List streams records from a cursor.
func (s *GormStore) List(ctx context.Context, filter ListFilter) iter.Seq2[*models.InteractionRecord, error] {
	return func(yield func(*models.InteractionRecord, error) bool) {
		q := s.db.WithContext(ctx).Model(&interactionRow{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", string(filter.Kind))
		}
		q = q.Order("created_at DESC").Order("id DESC")
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		rows, err := q.Rows()
		if err != nil {
			yield(nil, persistenceErr("list interactions", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row interactionRow
			if err := s.db.ScanRows(rows, &row); err != nil {
				yield(nil, persistenceErr("scan interaction", err))
				return
			}
			if !yield(row.record(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, persistenceErr("list interactions", err))
		}
	}
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
