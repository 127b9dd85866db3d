package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Unique-violation message fragments per driver. The mysql and sqlite
// drivers do not surface gorm.ErrDuplicatedKey on every code path, so the
// message text is the fallback.
var duplicateKeyFragments = []string{
	"duplicate key value violates unique constraint", // postgres 23505
	"Error 1062",                // mysql
	"UNIQUE constraint failed",  // sqlite 2067
	"constraint failed: UNIQUE", // glebarez sqlite
}

// IsDuplicateKeyErr reports whether err is a unique-index violation on any
// of the supported dialects.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, fragment := range duplicateKeyFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
