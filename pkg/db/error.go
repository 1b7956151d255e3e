package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	switch {
	// PostgreSQL 23505
	case strings.Contains(msg, "duplicate key value violates unique constraint"),
		strings.Contains(msg, "SQLSTATE 23505"):
		return true
	// MySQL 1062
	case strings.Contains(msg, "Error 1062"):
		return true
	// SQLite 2067
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return true
	}
	return false
}

// IsConstraintErr reports whether err is a unique violation on the named
// index. SQLite reports column lists instead of index names, so callers pass
// both forms.
func IsConstraintErr(err error, names ...string) bool {
	if !IsDuplicateKeyErr(err) {
		return false
	}
	msg := err.Error()
	for _, name := range names {
		if name != "" && strings.Contains(msg, name) {
			return true
		}
	}
	return false
}
