package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-core/anonymizer"
	"voting-core/audit"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/models"
	"voting-core/registry"
	"voting-core/storage"
)

type testEnv struct {
	service   *Service
	store     *storage.Store
	directory *registry.MemoryDirectory
	anon      *anonymizer.Anonymizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cs := crypto.NewService()
	signer, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	auditLog := audit.NewService(store, cs, signer, nil, nil)

	directory := registry.NewMemoryDirectory()
	anon := anonymizer.New()
	keys := keyring.New(cs, nil)
	service := NewService(store, cs, keys, directory, anon, auditLog, nil, nil)

	return &testEnv{
		service:   service,
		store:     store,
		directory: directory,
		anon:      anon,
	}
}

// openElection registers a RUNNING election and an eligible voter, returning
// the election and voter ids.
func (env *testEnv) openElection(t *testing.T) (string, string) {
	t.Helper()
	electionID := uuid.New().String()
	voterID := uuid.New().String()
	now := time.Now().UTC()

	env.directory.PutElection(&registry.Election{
		ID:      electionID,
		Status:  registry.ElectionStatusRunning,
		StartTs: now.Add(-time.Hour),
		EndTs:   now.Add(time.Hour),
		Candidates: []registry.Candidate{
			{ID: "c-1", Name: "Candidate One"},
		},
	})
	env.directory.PutVoter(electionID, &registry.Voter{
		ExternalIDHash: env.anon.HashVoterIdentity(electionID, voterID),
		Eligible:       true,
	})
	return electionID, voterID
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Secret)
	require.NotEmpty(t, issued.Signature)
	require.NotEmpty(t, issued.Nonce)

	// only the hash of the secret is persisted
	stored, err := env.store.TokenByID(ctx, issued.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusIssued, stored.Status)
	assert.NotEqual(t, issued.Secret, stored.TokenHash)
	assert.NotContains(t, stored.TokenHash, issued.Secret)
}

func TestIssueTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	_, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	_, err = env.service.Issue(ctx, electionID, voterID)
	require.ErrorIs(t, err, ErrAlreadyIssued)
}

func TestIssueUnknownVoter(t *testing.T) {
	env := newTestEnv(t)
	electionID, _ := env.openElection(t)

	_, err := env.service.Issue(context.Background(), electionID, "nobody")
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestIssueIneligibleVoter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, _ := env.openElection(t)

	voterID := uuid.New().String()
	env.directory.PutVoter(electionID, &registry.Voter{
		ExternalIDHash:      env.anon.HashVoterIdentity(electionID, voterID),
		Eligible:            false,
		IneligibilityReason: "membership lapsed",
	})

	_, err := env.service.Issue(ctx, electionID, voterID)
	require.ErrorIs(t, err, ErrNotEligible)

	// ineligible requests leave no token behind
	hash := env.anon.HashVoterIdentity(electionID, voterID)
	exists, err := env.store.TokenExists(ctx, electionID, hash)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIssueVotingClosed(t *testing.T) {
	env := newTestEnv(t)
	electionID, voterID := env.openElection(t)
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	_, err := env.service.Issue(context.Background(), electionID, voterID)
	require.ErrorIs(t, err, registry.ErrVotingNotOpen)
}

func TestValidateNonConsuming(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := env.service.Validate(ctx, electionID, issued.Secret)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, models.TokenStatusIssued, result.Status)
	}
}

func TestValidateUnknownSecret(t *testing.T) {
	env := newTestEnv(t)
	electionID, _ := env.openElection(t)

	result, err := env.service.Validate(context.Background(), electionID, "no-such-secret")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Reason)
}

func TestValidateWrongElection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)
	otherElection, _ := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	result, err := env.service.Validate(ctx, otherElection, issued.Secret)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestValidateAndConsume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	require.NoError(t, env.service.ValidateAndConsume(ctx, electionID, issued.Secret, "ballot-1"))

	stored, err := env.store.TokenByID(ctx, issued.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusConsumed, stored.Status)
	assert.Equal(t, "ballot-1", stored.BallotID)
	require.NotNil(t, stored.ConsumedAt)

	// second redemption must fail
	err = env.service.ValidateAndConsume(ctx, electionID, issued.Secret, "ballot-2")
	require.ErrorIs(t, err, ErrTokenNotValid)
}

func TestConcurrentConsumeExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.service.ValidateAndConsume(ctx, electionID, issued.Secret, uuid.New().String())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrTokenNotValid)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	require.NoError(t, env.service.Revoke(ctx, issued.TokenID, "secret leaked"))

	stored, err := env.store.TokenByID(ctx, issued.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusRevoked, stored.Status)

	err = env.service.ValidateAndConsume(ctx, electionID, issued.Secret, "ballot-1")
	require.ErrorIs(t, err, ErrTokenNotValid)
}

func TestRevokeConsumedFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)
	require.NoError(t, env.service.ValidateAndConsume(ctx, electionID, issued.Secret, "ballot-1"))

	err = env.service.Revoke(ctx, issued.TokenID, "too late")
	require.ErrorIs(t, err, models.ErrTokenAlreadyUsed)
}

func TestExpireDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	// force the token overdue
	res := env.store.DB().Model(&models.BlindToken{}).
		Where("id = ?", issued.TokenID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, res.Error)

	count, err := env.service.ExpireDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	stored, err := env.store.TokenByID(ctx, issued.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusExpired, stored.Status)

	// the sweep is idempotent
	count, err = env.service.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)
	require.NoError(t, env.service.ValidateAndConsume(ctx, electionID, issued.Secret, "ballot-1"))

	voter2 := uuid.New().String()
	env.directory.PutVoter(electionID, &registry.Voter{
		ExternalIDHash: env.anon.HashVoterIdentity(electionID, voter2),
		Eligible:       true,
	})
	_, err = env.service.Issue(ctx, electionID, voter2)
	require.NoError(t, err)

	stats, err := env.service.Stats(ctx, electionID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.Issued)
	assert.EqualValues(t, 1, stats.Consumed)
}

func TestElectionPublicKeyVerifiesTokenSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID, voterID := env.openElection(t)

	issued, err := env.service.Issue(ctx, electionID, voterID)
	require.NoError(t, err)

	encoded, err := env.service.ElectionPublicKey(electionID)
	require.NoError(t, err)

	cs := crypto.NewService()
	pub, err := cs.DecodePublicKey(encoded)
	require.NoError(t, err)

	tokenHash := cs.Hash([]byte(issued.Secret))
	assert.True(t, cs.VerifySignature([]byte(tokenHash), issued.Signature, pub))
}
