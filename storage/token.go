package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"voting-core/models"
)

// TokenStats is the per-election token count breakdown.
type TokenStats struct {
	Total    int64 `json:"total"`
	Issued   int64 `json:"issued"`
	Consumed int64 `json:"consumed"`
	Expired  int64 `json:"expired"`
	Revoked  int64 `json:"revoked"`
}

// CreateToken inserts a new blind token. The unique indexes on token hash,
// nonce and (election, voter hash) are the last line of defense against
// duplicate issuance under concurrent requests.
func (s *Store) CreateToken(ctx context.Context, token *models.BlindToken) error {
	if result := s.db.WithContext(ctx).Create(token); result.Error != nil {
		return fmt.Errorf("failed to create token: %w", result.Error)
	}
	return nil
}

// TokenByHash looks a token up by its secret's hash.
func (s *Store) TokenByHash(ctx context.Context, tx *gorm.DB, tokenHash string) (*models.BlindToken, error) {
	var token models.BlindToken
	result := s.session(tx).WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &token, nil
}

// TokenByID looks a token up by id.
func (s *Store) TokenByID(ctx context.Context, tokenID string) (*models.BlindToken, error) {
	var token models.BlindToken
	result := s.db.WithContext(ctx).Where("id = ?", tokenID).First(&token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &token, nil
}

// TokenExists reports whether a token was already issued for this
// (election, voter identity hash) pair.
func (s *Store) TokenExists(ctx context.Context, electionID, voterIDHash string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.BlindToken{}).
		Where("election_id = ? AND voter_id_hash = ?", electionID, voterIDHash).
		Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

// ConsumeToken atomically transitions a token from ISSUED to CONSUMED,
// binding the ballot id. The status guard in the WHERE clause makes the
// check-then-transition a single conditional update, so at most one of any
// number of concurrent callers can succeed; the rest see false.
func (s *Store) ConsumeToken(ctx context.Context, tx *gorm.DB, tokenID, ballotID string, now time.Time) (bool, error) {
	result := s.session(tx).WithContext(ctx).Model(&models.BlindToken{}).
		Where("id = ? AND status = ? AND expires_at > ?", tokenID, models.TokenStatusIssued, now).
		Updates(map[string]any{
			"status":      models.TokenStatusConsumed,
			"consumed_at": now,
			"ballot_id":   ballotID,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to consume token: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpdateTokenStatus persists a status transition computed on the model.
func (s *Store) UpdateTokenStatus(ctx context.Context, tokenID string, status models.TokenStatus) error {
	result := s.db.WithContext(ctx).Model(&models.BlindToken{}).
		Where("id = ?", tokenID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update token status: %w", result.Error)
	}
	return nil
}

// ExpireDueTokens flips all ISSUED tokens past their expiry to EXPIRED and
// returns how many were updated. Safe to re-run.
func (s *Store) ExpireDueTokens(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.BlindToken{}).
		Where("status = ? AND expires_at <= ?", models.TokenStatusIssued, now).
		Update("status", models.TokenStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountTokens returns the number of tokens issued for an election.
func (s *Store) CountTokens(ctx context.Context, electionID string) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.BlindToken{}).
		Where("election_id = ?", electionID).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

// TokenStatsByElection returns the per-status token counts for an election.
func (s *Store) TokenStatsByElection(ctx context.Context, electionID string) (*TokenStats, error) {
	stats := &TokenStats{}
	rows := []struct {
		Status models.TokenStatus
		Count  int64
	}{}
	result := s.db.WithContext(ctx).Model(&models.BlindToken{}).
		Select("status, COUNT(*) AS count").
		Where("election_id = ?", electionID).
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case models.TokenStatusIssued:
			stats.Issued = row.Count
		case models.TokenStatusConsumed:
			stats.Consumed = row.Count
		case models.TokenStatusExpired:
			stats.Expired = row.Count
		case models.TokenStatusRevoked:
			stats.Revoked = row.Count
		}
	}
	return stats, nil
}
