package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"voting-core/models"
)

// AppendAuditEntry persists one audit entry on the base connection. Callers
// append after their own transaction has resolved, so an entry is never
// discarded by a rollback and rejected operations still leave evidence. Must
// not be called while a transaction holds the connection.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	if result := s.db.WithContext(ctx).Create(entry); result.Error != nil {
		return fmt.Errorf("failed to append audit entry: %w", result.Error)
	}
	return nil
}

// LastAuditEntry returns the chain tail (highest sequence id), or nil when
// the log is empty.
func (s *Store) LastAuditEntry(ctx context.Context) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	result := s.db.WithContext(ctx).Order("seq DESC").First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &entry, nil
}

// AuditEntries returns the full log in sequence order.
func (s *Store) AuditEntries(ctx context.Context) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	result := s.db.WithContext(ctx).Order("seq ASC").Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}
