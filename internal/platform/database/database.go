// Package database opens the MySQL connection pool used by the repositories.
package database

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mentree/api/internal/domain"
	"github.com/mentree/api/internal/platform/config"
)

// Open dials MySQL with the configured pool limits and returns the shared
// GORM handle.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database: dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("database: open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: acquire pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("database: pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return db, nil
}

// Migrate applies the schema for every persisted aggregate. Intended for
// local and test environments; production schemas are managed out of band.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("database: db handle is required")
	}
	err := db.AutoMigrate(
		&domain.Content{},
		&domain.ContentOption{},
		&domain.Coupon{},
		&domain.Order{},
		&domain.OrderItem{},
		&domain.Payment{},
		&domain.PaymentLog{},
		&domain.PaymentCancel{},
		&domain.Purchase{},
		&domain.Subscription{},
	)
	if err != nil {
		return fmt.Errorf("database: migrate: %w", err)
	}
	return nil
}
