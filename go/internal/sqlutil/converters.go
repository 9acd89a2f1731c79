package sqlutil

import (
	"database/sql"
	"time"
)

// Helper functions for converting between sql.Null* types and Go pointers

// FromSqlString converts sql.NullString to a Go string pointer
func FromSqlString(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	return &val.String
}

// FromSqlTime converts sql.NullTime to a Go time pointer
func FromSqlTime(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	return &val.Time
}
