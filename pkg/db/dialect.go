package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/patronage/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Dialect picks the GORM driver for cfg.DBType. DATABASE_URL, when set,
// replaces the DSN built from the discrete settings.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.DBType {
	case TypePostgres:
		return postgres.Open(dsn), nil
	case TypeMySQL:
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

func DSN(cfg config.Config) (string, error) {
	if cfg.DBURL != "" && cfg.DBType != TypeSQLite {
		return cfg.DBURL, nil
	}
	switch cfg.DBType {
	case TypePostgres:
		sslMode := cfg.DBSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC application_name=%s",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode, applicationName(cfg),
		), nil
	case TypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName,
		), nil
	case TypeSQLite:
		return sqliteDSN(cfg.DBPath), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

// sqliteDSN enables WAL and a busy timeout. The in-memory form is shared
// across connections so one process sees one database.
func sqliteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000"
	}
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return path + "?" + q.Encode()
}

func applicationName(cfg config.Config) string {
	name := strings.ReplaceAll(strings.TrimSpace(cfg.AppName), " ", "_")
	if name == "" {
		return "patronage"
	}
	return name
}
