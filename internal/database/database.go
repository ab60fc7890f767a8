package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const activeAssignmentIndex = "idx_assignments_active_asset"

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Open connects to driver ("postgres", "mysql" or "sqlite") and verifies the
// connection. The returned handle is owned by the caller and released with Close.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		// user:pass@tcp(127.0.0.1:3306)/custody?parseTime=true&loc=UTC
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema. On postgres and sqlite a partial
// unique index additionally guarantees at most one open assignment per asset;
// mysql has no partial indexes and relies on the asset row lock alone.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Session{},
		&domain.Asset{},
		&domain.Assignment{},
		&domain.Event{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	switch db.Dialector.Name() {
	case DriverPostgres, DriverSQLite:
		stmt := "CREATE UNIQUE INDEX IF NOT EXISTS " + activeAssignmentIndex +
			" ON assignments (asset_id) WHERE returned_at IS NULL"
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create %s: %w", activeAssignmentIndex, err)
		}
	}
	return nil
}

// TxOptions returns the isolation used for custody transactions. sqlite
// serializes writers on its own and rejects explicit isolation levels.
func TxOptions(db *gorm.DB) *sql.TxOptions {
	if db.Dialector.Name() == DriverSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
