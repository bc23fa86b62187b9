package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"voting-core/models"
)

// CreateResult inserts the single result row for an election. The unique
// index on election id rejects a second tally attempt.
func (s *Store) CreateResult(ctx context.Context, result *models.ElectionResult) error {
	if res := s.db.WithContext(ctx).Create(result); res.Error != nil {
		return fmt.Errorf("failed to create election result: %w", res.Error)
	}
	return nil
}

// SaveResult persists the full result including its candidate rows.
func (s *Store) SaveResult(ctx context.Context, result *models.ElectionResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res := tx.Omit("CandidateResults").Save(result); res.Error != nil {
			return fmt.Errorf("failed to save election result: %w", res.Error)
		}
		for i := range result.CandidateResults {
			result.CandidateResults[i].ResultID = result.ID
			if res := tx.Save(&result.CandidateResults[i]); res.Error != nil {
				return fmt.Errorf("failed to save candidate result: %w", res.Error)
			}
		}
		return nil
	})
}

// ResultByElection loads an election's result with its candidate rows ordered
// by vote count descending.
func (s *Store) ResultByElection(ctx context.Context, electionID string) (*models.ElectionResult, error) {
	var result models.ElectionResult
	res := s.db.WithContext(ctx).
		Preload("CandidateResults", func(db *gorm.DB) *gorm.DB {
			return db.Order("vote_count DESC")
		}).
		Where("election_id = ?", electionID).
		First(&result)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, res.Error
	}
	return &result, nil
}

// ResultExists reports whether a tally was already recorded for an election.
func (s *Store) ResultExists(ctx context.Context, electionID string) (bool, error) {
	var count int64
	res := s.db.WithContext(ctx).Model(&models.ElectionResult{}).
		Where("election_id = ?", electionID).
		Count(&count)
	if res.Error != nil {
		return false, res.Error
	}
	return count > 0, nil
}
