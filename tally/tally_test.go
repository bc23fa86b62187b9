package tally

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voting-core/anonymizer"
	"voting-core/audit"
	"voting-core/ballot"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/models"
	"voting-core/registry"
	"voting-core/storage"
	"voting-core/token"
)

type testEnv struct {
	engine    *Engine
	ballots   *ballot.Service
	tokens    *token.Service
	store     *storage.Store
	directory *registry.MemoryDirectory
	anon      *anonymizer.Anonymizer
	keys      *keyring.Registry
	crypto    *crypto.Service
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
	tokens := token.NewService(store, cs, keys, directory, anon, auditLog, nil, nil)
	ballots := ballot.NewService(store, cs, keys, directory, tokens, auditLog, nil, nil)
	engine := NewEngine(store, cs, keys, directory, auditLog, nil, nil)

	return &testEnv{
		engine:    engine,
		ballots:   ballots,
		tokens:    tokens,
		store:     store,
		directory: directory,
		anon:      anon,
		keys:      keys,
		crypto:    cs,
	}
}

func (env *testEnv) openElection(t *testing.T, allowAbstention bool) string {
	t.Helper()
	electionID := uuid.New().String()
	now := time.Now().UTC()
	env.directory.PutElection(&registry.Election{
		ID:              electionID,
		Status:          registry.ElectionStatusRunning,
		StartTs:         now.Add(-time.Hour),
		EndTs:           now.Add(time.Hour),
		AllowAbstention: allowAbstention,
		Candidates: []registry.Candidate{
			{ID: "c-1", Name: "Candidate One"},
			{ID: "c-2", Name: "Candidate Two"},
		},
	})
	return electionID
}

func (env *testEnv) castVote(t *testing.T, electionID, candidateID string) {
	t.Helper()
	secret := env.issueToken(t, electionID)
	_, err := env.ballots.CastVote(context.Background(), electionID, secret, candidateID, ballot.CastContext{})
	require.NoError(t, err)
}

func (env *testEnv) castAbstention(t *testing.T, electionID string) {
	t.Helper()
	secret := env.issueToken(t, electionID)
	_, err := env.ballots.CastAbstention(context.Background(), electionID, secret, "", ballot.CastContext{})
	require.NoError(t, err)
}

func (env *testEnv) issueToken(t *testing.T, electionID string) string {
	t.Helper()
	voterID := uuid.New().String()
	env.directory.PutVoter(electionID, &registry.Voter{
		ExternalIDHash: env.anon.HashVoterIdentity(electionID, voterID),
		Eligible:       true,
	})
	issued, err := env.tokens.Issue(context.Background(), electionID, voterID)
	require.NoError(t, err)
	return issued.Secret
}

func TestPerformTally(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, true)

	env.castVote(t, electionID, "c-1")
	env.castVote(t, electionID, "c-1")
	env.castVote(t, electionID, "c-2")
	env.castAbstention(t, electionID)

	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusCompleted, result.Status)
	assert.EqualValues(t, 4, result.TotalBallots)
	assert.EqualValues(t, 3, result.ValidVotes)
	assert.EqualValues(t, 1, result.Abstentions)
	assert.EqualValues(t, 0, result.InvalidVotes)
	assert.EqualValues(t, 4, result.TokensIssued)
	assert.InDelta(t, 100.0, result.TurnoutPercentage, 0.001)
	assert.NotEmpty(t, result.MerkleRoot)
	assert.NotEmpty(t, result.ResultsHash)
	assert.NotEmpty(t, result.ResultsSignature)

	require.Len(t, result.CandidateResults, 2)
	winner := result.CandidateResults[0]
	assert.Equal(t, "c-1", winner.CandidateID)
	assert.EqualValues(t, 2, winner.VoteCount)
	assert.InDelta(t, 66.666, winner.Percentage, 0.01)
	assert.Equal(t, 1, winner.RankPosition)
	assert.True(t, winner.IsWinner)

	second := result.CandidateResults[1]
	assert.Equal(t, "c-2", second.CandidateID)
	assert.Equal(t, 2, second.RankPosition)
	assert.False(t, second.IsWinner)

	// all ballots are now marked counted
	stats, err := env.store.BallotStatsByElection(ctx, electionID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Tallied)
}

func TestPerformTallyTiedWinners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)

	env.castVote(t, electionID, "c-1")
	env.castVote(t, electionID, "c-2")
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)

	require.Len(t, result.CandidateResults, 2)
	for _, cr := range result.CandidateResults {
		assert.Equal(t, 1, cr.RankPosition)
		assert.True(t, cr.IsWinner)
	}
}

func TestPerformTallyNoVotesNoWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)
	// a token was issued, so key material exists, but nobody voted
	env.issueToken(t, electionID)
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusCompleted, result.Status)
	assert.EqualValues(t, 0, result.ValidVotes)
	assert.Zero(t, result.TurnoutPercentage)
	for _, cr := range result.CandidateResults {
		assert.False(t, cr.IsWinner)
		assert.Zero(t, cr.Percentage)
	}
}

func TestPerformTallyRequiresClosedElection(t *testing.T) {
	env := newTestEnv(t)
	electionID := env.openElection(t, false)

	_, err := env.engine.PerformTally(context.Background(), electionID, "op-1")
	require.ErrorIs(t, err, ErrElectionNotClosed)
}

func TestPerformTallyOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)
	env.castVote(t, electionID, "c-1")
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	_, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)

	_, err = env.engine.PerformTally(ctx, electionID, "op-2")
	require.ErrorIs(t, err, ErrAlreadyTallied)
}

func TestPerformTallyMissingKeyFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// an election with ballots whose key material this process never had
	electionID := uuid.New().String()
	env.directory.PutElection(&registry.Election{
		ID:      electionID,
		Status:  registry.ElectionStatusClosed,
		StartTs: time.Now().UTC().Add(-2 * time.Hour),
		EndTs:   time.Now().UTC().Add(-time.Hour),
		Candidates: []registry.Candidate{
			{ID: "c-1", Name: "Candidate One"},
		},
	})

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusFailed, result.Status)
	assert.Contains(t, result.Notes, "key unavailable")

	// the failed attempt is on record
	stored, err := env.engine.GetResults(ctx, electionID)
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusFailed, stored.Status)
}

func TestPerformTallyCountsUndecryptableAsInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)

	env.castVote(t, electionID, "c-1")
	env.castVote(t, electionID, "c-2")

	// corrupt one ciphertext in place
	stored, err := env.store.BallotsByElection(ctx, electionID)
	require.NoError(t, err)
	res := env.store.DB().Model(&models.EncryptedBallot{}).
		Where("id = ?", stored[0].ID).
		Update("ciphertext", "Y29ycnVwdGVk")
	require.NoError(t, res.Error)

	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusCompleted, result.Status)
	assert.EqualValues(t, 2, result.TotalBallots)
	assert.EqualValues(t, 1, result.ValidVotes)
	assert.EqualValues(t, 1, result.InvalidVotes)
}

func TestPublishResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)
	env.castVote(t, electionID, "c-1")
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	_, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)

	published, err := env.engine.PublishResults(ctx, electionID)
	require.NoError(t, err)
	assert.True(t, published.Published)
	require.NotNil(t, published.PublishedAt)
	first := *published.PublishedAt

	// republish is a no-op
	again, err := env.engine.PublishResults(ctx, electionID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*again.PublishedAt))
}

func TestPublishWithoutTally(t *testing.T) {
	env := newTestEnv(t)
	electionID := env.openElection(t, false)

	_, err := env.engine.PublishResults(context.Background(), electionID)
	require.ErrorIs(t, err, ErrNoResult)
}

func TestMarkVerified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)
	env.castVote(t, electionID, "c-1")
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	_, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)

	verified, err := env.engine.MarkVerified(ctx, electionID, "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, models.TallyStatusVerified, verified.Status)
}

func TestResultsSignatureVerifies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	electionID := env.openElection(t, false)
	env.castVote(t, electionID, "c-1")
	require.NoError(t, env.directory.SetElectionStatus(electionID, registry.ElectionStatusClosed))

	result, err := env.engine.PerformTally(ctx, electionID, "op-1")
	require.NoError(t, err)

	keys, err := env.keys.GetForTally(electionID)
	require.NoError(t, err)
	assert.True(t, env.crypto.VerifySignature(
		[]byte(result.ResultsHash+electionID),
		result.ResultsSignature,
		&keys.SigningKey.PublicKey,
	))
}
