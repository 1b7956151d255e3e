// Package testkit holds shared fixtures for package tests.
package testkit

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/patronage/internal/migration"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenDB returns an isolated in-memory sqlite database with the full schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:patronage_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewNode returns a snowflake node for generating ids in tests.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedUser inserts a user directly.
func SeedUser(t testing.TB, db *gorm.DB, node *snowflake.Node, username string) userdomain.User {
	t.Helper()
	now := time.Now().UTC()
	user := userdomain.User{
		ID:        node.Generate(),
		Username:  username,
		Email:     username + "@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	return user
}

// LoadUser reads a user back including its counters.
func LoadUser(t testing.TB, db *gorm.DB, id snowflake.ID) userdomain.User {
	t.Helper()
	var user userdomain.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		t.Fatalf("load user %s: %v", id, err)
	}
	return user
}

// Count runs a COUNT(*) query.
func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
