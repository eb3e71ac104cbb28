package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fleetyard/fleetyard/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg *config.Config, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.Port,
		cfg.Database.SSLMode,
	)

	newDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Surface unique-constraint violations as gorm.ErrDuplicatedKey so
		// they map onto fyerrors.ErrDuplicateName.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := newDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to configure connections: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	var version string
	if result := newDB.Raw("SELECT version()").Scan(&version); result.Error != nil {
		return nil, result.Error
	}
	log.Infof("PostgreSQL information: '%s'", version)

	return newDB, nil
}

// AdvisoryLock is a session-scoped Postgres advisory lock pinned to a
// dedicated connection, so pool multiplexing cannot hand the session to
// another caller while the lock is held.
type AdvisoryLock struct {
	conn *sql.Conn
	name string
}

// TryAcquireLock attempts to take the named advisory lock without blocking.
// It returns (nil, false, nil) when another session holds the lock.
func TryAcquireLock(ctx context.Context, db *gorm.DB, name string) (*AdvisoryLock, bool, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name)
	if err := row.Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return &AdvisoryLock{conn: conn, name: name}, true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.name)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
