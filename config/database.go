package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// DatabasePath resolves the on-device database file location.
// SHOPSYNC_DB_PATH wins; otherwise the store lives under SHOPSYNC_DATA_DIR
// (default ".shopsync").
func DatabasePath() string {
	if p := strings.TrimSpace(os.Getenv("SHOPSYNC_DB_PATH")); p != "" {
		return p
	}
	dataDir := strings.TrimSpace(os.Getenv("SHOPSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".shopsync"
	}
	return filepath.Join(dataDir, "shopsync.db")
}

// ConnectDatabase opens the embedded SQLite store and sets the global DB.
// The store is local to the device: it must be available with no network,
// so there is nothing to retry against here. A failure to open is fatal
// for the caller.
func ConnectDatabase() error {
	path := DatabasePath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// WAL keeps UI reads concurrent with sync-engine writes. busy_timeout
	// covers the brief write lock held by queue claim transactions.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	var err error
	db, err = gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 1)
		maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 1)
		connMaxLife := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second

		// SQLite allows one writer; a single pooled connection avoids
		// SQLITE_BUSY churn between the store and the dispatcher.
		if maxOpen > 0 {
			sqlDB.SetMaxOpenConns(maxOpen)
		}
		if maxIdle >= 0 {
			sqlDB.SetMaxIdleConns(maxIdle)
		}
		if connMaxLife > 0 {
			sqlDB.SetConnMaxLifetime(connMaxLife)
		}
	}

	return nil
}

func initConfig() *gorm.Config {
	logLevel := logger.Error
	if strings.EqualFold(strings.TrimSpace(os.Getenv("DB_DEBUG")), "true") {
		logLevel = logger.Info
	}
	return &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
