package database

import (
	"fmt"

	"credential-broker/models"

	"gorm.io/gorm"
)

// Migrate applies idempotent schema migrations:
// - AutoMigrate (tables/columns/index tags)
// - the admission queue index on requests (the holder index comes from
//   the idx_requests_credential_status tags)
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.Credential{},
			&models.Request{},
			&models.IdempotencyKey{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_requests_queue ON requests (status, priority, submission_timestamp, id)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_key_status ON requests ("key", status)`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}
		return nil
	})
}
