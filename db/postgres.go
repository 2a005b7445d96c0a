package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenGORM opens a gorm connection over connString and runs AutoMigrate
// against AllModels. Used for ordinary CRUD; raw pgx access (advisory
// locks, LISTEN/NOTIFY) goes through PostgresDB/Listener instead, since
// gorm doesn't expose those primitives cleanly.
func OpenGORM(connString string, maxConns int) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}

	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return gdb, nil
}
