package db

import (
	"fmt"
	"log"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/soundscribe/internal/links"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// WAL keeps readers off the writer's lock. Writers still go one at a time:
// immediate transactions take the lock at BEGIN and queue on busy_timeout.
const (
	sqlitePragmas  = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	sqliteMaxConns = 4
)

// Open connects to the database named by dsn and migrates the schema.
// "sqlite:<path>" selects SQLite; anything else is treated as a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	var (
		dialector gorm.Dialector
		isSQLite  bool
		isMemory  bool
	)
	if strings.HasPrefix(dsn, sqlitePrefix) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		isMemory = strings.Contains(path, ":memory:")
		dialector = gormsqlite.Open(sqliteDSN(path, isMemory))
		isSQLite = true
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	switch {
	case isMemory:
		// every connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	case isSQLite:
		sqlDB.SetMaxOpenConns(sqliteMaxConns)
	default:
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := gdb.AutoMigrate(&links.Link{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return gdb, nil
}

// sqliteDSN appends the connection pragmas unless the caller set their own.
func sqliteDSN(path string, memory bool) string {
	if memory || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}
