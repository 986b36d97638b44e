package database

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables health checks and
// deployment verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range slices.Concat(RequiredTables, []string{"schema_migrations"}) {
		exists, err := objectExists(v.db, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"users": {
			"user_id":    "INTEGER",
			"first_name": "TEXT",
			"last_name":  "TEXT",
			"mail":       "TEXT",
		},
		"channels": {
			"channel_id":      "INTEGER",
			"title":           "TEXT",
			"description":     "TEXT",
			"created_at":      "DATETIME",
			"end_of_validity": "DATETIME",
		},
		"members": {
			"membership_id": "INTEGER",
			"user_id":       "INTEGER",
			"channel_id":    "INTEGER",
			"creator":       "INTEGER",
			"join_date":     "DATETIME",
		},
	}

	for _, table := range RequiredTables {
		if err := v.validateColumns(table, expected[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the membership lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := objectExists(v.db, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced
// ARCHITECTURAL DISCOVERY: Probes run inside a rolled-back transaction so the check
// never leaves rows behind, even when a constraint turns out to be missing
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// members.user_id -> users.user_id
	if _, err := tx.Exec(`INSERT INTO members (user_id, channel_id) VALUES (-1, -1)`); err == nil {
		return errors.New("foreign key constraint not enforced: members.user_id")
	}

	if _, err := tx.Exec(`INSERT INTO users (user_id) VALUES (-1)`); err != nil {
		return fmt.Errorf("failed to create probe user: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO channels (channel_id) VALUES (-1)`); err != nil {
		return fmt.Errorf("failed to create probe channel: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO members (user_id, channel_id) VALUES (-1, -1)`); err != nil {
		return fmt.Errorf("failed to create probe membership: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO members (user_id, channel_id) VALUES (-1, -1)`); err == nil {
		return errors.New("unique constraint not enforced: members(user_id, channel_id)")
	}

	// Deleting the channel must cascade to its memberships
	if _, err := tx.Exec(`DELETE FROM channels WHERE channel_id = -1`); err != nil {
		return fmt.Errorf("failed to delete probe channel: %w", err)
	}
	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM members WHERE channel_id = -1`).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to count probe memberships: %w", err)
	}
	if remaining != 0 {
		return errors.New("cascade delete not enforced: members.channel_id")
	}

	return nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, expectedType := range expectedColumns {
		foundType, exists := foundColumns[column]
		if !exists {
			return fmt.Errorf("column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", column, foundType, expectedType)
		}
	}
	return nil
}
