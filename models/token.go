package models

import (
	"errors"
	"time"
)

// TokenStatus tracks a blind token through its lifecycle.
type TokenStatus string

const (
	TokenStatusIssued   TokenStatus = "ISSUED"
	TokenStatusConsumed TokenStatus = "CONSUMED"
	TokenStatusExpired  TokenStatus = "EXPIRED"
	TokenStatusRevoked  TokenStatus = "REVOKED"
)

var (
	ErrTokenNotConsumable = errors.New("token cannot be consumed in its current state")
	ErrTokenAlreadyUsed   = errors.New("consumed token cannot be revoked")
)

// BlindToken is one anonymous voting right. The token secret itself is never
// persisted; only its hash is stored, so the row cannot be redeemed without
// the secret and the secret cannot be linked back to a voter identity.
//
// VoterIDHash exists solely to prevent double issuance per election. It never
// appears alongside a ballot.
type BlindToken struct {
	ID          string      `gorm:"primarykey;size:36" json:"id"`
	ElectionID  string      `gorm:"size:36;not null;uniqueIndex:idx_tokens_election_voter,priority:1;index" json:"election_id"`
	VoterIDHash string      `gorm:"size:64;not null;uniqueIndex:idx_tokens_election_voter,priority:2" json:"-"`
	TokenHash   string      `gorm:"uniqueIndex;size:64;not null" json:"token_hash"`
	Signature   string      `gorm:"not null" json:"signature"`
	Status      TokenStatus `gorm:"index;size:16;not null" json:"status"`
	IssuedAt    time.Time   `gorm:"not null" json:"issued_at"`
	ExpiresAt   time.Time   `gorm:"not null" json:"expires_at"`
	ConsumedAt  *time.Time  `json:"consumed_at,omitempty"`
	Nonce       string      `gorm:"uniqueIndex;not null" json:"nonce"`
	BallotID    string      `gorm:"size:36" json:"ballot_id,omitempty"`
}

func (BlindToken) TableName() string {
	return "blind_tokens"
}

// IsExpired reports whether the token is past its expiry time.
func (t *BlindToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// CanVote reports whether the token may still be consumed: it must be in the
// ISSUED state and not past its expiry.
func (t *BlindToken) CanVote(now time.Time) bool {
	return t.Status == TokenStatusIssued && now.Before(t.ExpiresAt)
}

// Consume transitions the token to CONSUMED, binding the ballot id. The
// persistence layer enforces the same guard with a conditional update; this
// method exists for in-memory state transitions after that update succeeds.
func (t *BlindToken) Consume(ballotID string, now time.Time) error {
	if !t.CanVote(now) {
		return ErrTokenNotConsumable
	}
	t.Status = TokenStatusConsumed
	t.ConsumedAt = &now
	t.BallotID = ballotID
	return nil
}

// Revoke transitions the token to REVOKED. Consumed tokens cannot be revoked.
func (t *BlindToken) Revoke() error {
	if t.Status == TokenStatusConsumed {
		return ErrTokenAlreadyUsed
	}
	t.Status = TokenStatusRevoked
	return nil
}
