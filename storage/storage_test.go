package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"voting-core/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func issuedToken(electionID string, expiresAt time.Time) *models.BlindToken {
	return &models.BlindToken{
		ID:          uuid.New().String(),
		ElectionID:  electionID,
		VoterIDHash: uuid.New().String(),
		TokenHash:   uuid.New().String(),
		Signature:   "sig",
		Status:      models.TokenStatusIssued,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   expiresAt,
		Nonce:       uuid.New().String(),
	}
}

func TestDuplicateTokenPerVoterRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tok := issuedToken("e-1", time.Now().UTC().Add(time.Hour))
	require.NoError(t, store.CreateToken(ctx, tok))

	dup := issuedToken("e-1", time.Now().UTC().Add(time.Hour))
	dup.VoterIDHash = tok.VoterIDHash
	require.Error(t, store.CreateToken(ctx, dup))
}

func TestConsumeTokenConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := issuedToken("e-1", now.Add(time.Hour))
	require.NoError(t, store.CreateToken(ctx, tok))

	ok, err := store.ConsumeToken(ctx, nil, tok.ID, "ballot-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// the second attempt loses the conditional update
	ok, err = store.ConsumeToken(ctx, nil, tok.ID, "ballot-2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := store.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "ballot-1", stored.BallotID)
}

func TestConsumeExpiredTokenRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := issuedToken("e-1", now.Add(-time.Minute))
	require.NoError(t, store.CreateToken(ctx, tok))

	ok, err := store.ConsumeToken(ctx, nil, tok.ID, "ballot-1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionRollbackDiscardsBallot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rollback := errors.New("force rollback")
	err := store.Transaction(func(tx *gorm.DB) error {
		b := &models.EncryptedBallot{
			ID:         uuid.New().String(),
			ElectionID: "e-1",
			Ciphertext: "ct",
			Algorithm:  "AES-256-GCM",
			KeyID:      "k-1",
			Nonce:      uuid.New().String(),
			CastAt:     time.Now().UTC(),
			BallotHash: uuid.New().String(),
		}
		if err := store.CreateBallot(ctx, tx, b); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	ballots, err := store.BallotsByElection(ctx, "e-1")
	require.NoError(t, err)
	assert.Empty(t, ballots)

	// audit entries appended outside the transaction are unaffected
	entry := &models.AuditEntry{
		EventType: models.EventSecurityAlert,
		EventData: "{}",
		Ts:        time.Now().UTC(),
		EntryHash: uuid.New().String(),
	}
	require.NoError(t, store.AppendAuditEntry(ctx, entry))
	entries, err := store.AuditEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLastBallotEmptyChain(t *testing.T) {
	store := newTestStore(t)
	b, err := store.LastBallot(context.Background(), "no-such-election")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestResultUniquePerElection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.ElectionResult{
		ID:         uuid.New().String(),
		ElectionID: "e-1",
		Status:     models.TallyStatusInProgress,
	}
	require.NoError(t, store.CreateResult(ctx, first))

	second := &models.ElectionResult{
		ID:         uuid.New().String(),
		ElectionID: "e-1",
		Status:     models.TallyStatusInProgress,
	}
	require.Error(t, store.CreateResult(ctx, second))
}

func TestNotFoundSentinels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.TokenByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.TokenByHash(ctx, nil, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.BallotByHash(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.ResultByElection(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
