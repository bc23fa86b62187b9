package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"voting-core/models"
)

// BallotStats is the per-election ballot count breakdown.
type BallotStats struct {
	Total   int64 `json:"total"`
	Tallied int64 `json:"tallied"`
	Pending int64 `json:"pending"`
}

// CreateBallot appends one encrypted ballot. The table is append-only; no
// update or delete path exists besides MarkBallotTallied.
func (s *Store) CreateBallot(ctx context.Context, tx *gorm.DB, ballot *models.EncryptedBallot) error {
	if result := s.session(tx).WithContext(ctx).Create(ballot); result.Error != nil {
		return fmt.Errorf("failed to create ballot: %w", result.Error)
	}
	return nil
}

// LastBallot returns the chain tail for an election, or nil when the
// election has no ballots yet.
func (s *Store) LastBallot(ctx context.Context, electionID string) (*models.EncryptedBallot, error) {
	var ballot models.EncryptedBallot
	result := s.db.WithContext(ctx).
		Where("election_id = ?", electionID).
		Order("seq DESC").
		First(&ballot)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ballot, nil
}

// BallotsByElection returns an election's ballots in cast order.
func (s *Store) BallotsByElection(ctx context.Context, electionID string) ([]models.EncryptedBallot, error) {
	var ballots []models.EncryptedBallot
	result := s.db.WithContext(ctx).
		Where("election_id = ?", electionID).
		Order("seq ASC").
		Find(&ballots)
	if result.Error != nil {
		return nil, result.Error
	}
	return ballots, nil
}

// BallotByHash looks a ballot up by its receipt hash.
func (s *Store) BallotByHash(ctx context.Context, ballotHash string) (*models.EncryptedBallot, error) {
	var ballot models.EncryptedBallot
	result := s.db.WithContext(ctx).Where("ballot_hash = ?", ballotHash).First(&ballot)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &ballot, nil
}

// MarkBallotTallied sets the tallied flag, the only mutation permitted on a
// persisted ballot.
func (s *Store) MarkBallotTallied(ctx context.Context, tx *gorm.DB, ballotID string, now time.Time) error {
	result := s.session(tx).WithContext(ctx).Model(&models.EncryptedBallot{}).
		Where("id = ?", ballotID).
		Updates(map[string]any{
			"tallied":    true,
			"tallied_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark ballot tallied: %w", result.Error)
	}
	return nil
}

// BallotStatsByElection returns total/tallied/pending ballot counts.
func (s *Store) BallotStatsByElection(ctx context.Context, electionID string) (*BallotStats, error) {
	stats := &BallotStats{}
	result := s.db.WithContext(ctx).Model(&models.EncryptedBallot{}).
		Where("election_id = ?", electionID).
		Count(&stats.Total)
	if result.Error != nil {
		return nil, result.Error
	}
	result = s.db.WithContext(ctx).Model(&models.EncryptedBallot{}).
		Where("election_id = ? AND tallied = ?", electionID, true).
		Count(&stats.Tallied)
	if result.Error != nil {
		return nil, result.Error
	}
	stats.Pending = stats.Total - stats.Tallied
	return stats, nil
}
