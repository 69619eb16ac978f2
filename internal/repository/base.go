// Package repository implements the data access layer for the application.
package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrConflict reports that a conditional write lost a race: the record was
	// not in the expected state, or a unique open-sanction index rejected it.
	ErrConflict = errors.New("repository: conflicting write")
)

// isUniqueConstraintError checks if a DB error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	// PostgreSQL unique violation SQLSTATE 23505
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "23505")
}
