package exporter

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evalgo/adsyncd/internal/entity"
)

// directoryEntityRow is the flattened read-model GORM maps onto
// directory_entities. It exists purely for reporting queries — nothing
// in the core store reads it back.
type directoryEntityRow struct {
	Tag                int `gorm:"primaryKey"`
	DN                 string
	Class              string
	ObjectGUID         string `gorm:"index"`
	SID                string `gorm:"index"`
	SAMAccountName     string
	UserPrincipalName  string
	DomainFlatName     string
	Email              string
	Status             int
	IsChangeNotified   bool
	UpdatedAt          time.Time
}

func (directoryEntityRow) TableName() string { return "directory_entities" }

// PostgresExporter upserts the flattened snapshot list into
// directory_entities on every export call, keyed on Tag.
type PostgresExporter struct {
	db *gorm.DB
}

// NewPostgresExporter opens a GORM connection against dsn and ensures the
// directory_entities table exists.
func NewPostgresExporter(dsn string) (*PostgresExporter, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("exporter: open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("exporter: get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&directoryEntityRow{}); err != nil {
		return nil, fmt.Errorf("exporter: automigrate: %w", err)
	}

	return &PostgresExporter{db: db}, nil
}

// Export upserts every entity row in one transaction, keyed on Tag via
// ON CONFLICT DO UPDATE — new fields replace old, rows for tags no longer
// present are left in place (export is additive, not a mirror delete).
func (p *PostgresExporter) Export(ctx context.Context, entities []entity.Snapshot) error {
	if len(entities) == 0 {
		return nil
	}

	rows := make([]directoryEntityRow, 0, len(entities))
	now := time.Now()
	for _, s := range entities {
		rows = append(rows, directoryEntityRow{
			Tag:               s.Tag,
			DN:                s.DN,
			Class:             s.Class,
			ObjectGUID:        hex.EncodeToString(s.ObjectGUID[:]),
			SID:               s.SID,
			SAMAccountName:    s.SAMAccountName,
			UserPrincipalName: s.UserPrincipalName,
			DomainFlatName:    s.DomainFlatName,
			Email:             s.Email,
			Status:            int(s.Status),
			IsChangeNotified:  s.IsChangeNotified,
			UpdatedAt:         now,
		})
	}

	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tag"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"dn", "class", "object_guid", "sid", "sam_account_name",
			"user_principal_name", "domain_flat_name", "email",
			"status", "is_change_notified", "updated_at",
		}),
	}).CreateInBatches(rows, 500).Error
}

// Close releases the underlying connection pool.
func (p *PostgresExporter) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
