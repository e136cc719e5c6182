package database

import (
	"ticketing-backend/internal/domain"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open opens a GORM DB from DSN (Postgres or a pooler URL).
// PreferSimpleProtocol disables prepared statement caching to avoid 42P05
// ("prepared statement already exists") when using connection poolers (e.g. PgBouncer).
// TranslateError maps unique violations to gorm.ErrDuplicatedKey, which the
// hold engine relies on to detect a lost seat race.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{TranslateError: true})
}

// AutoMigrate creates the hold store tables and their indexes, including the
// partial unique index on active seat holds.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// Models lists every table owned by the hold engine.
func Models() []interface{} {
	return []interface{}{
		&domain.Hold{},
		&domain.HoldEvent{},
		&domain.SeatStatus{},
		&domain.EventZone{},
	}
}
