package tally

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"voting-core/audit"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/metrics"
	"voting-core/models"
	"voting-core/registry"
	"voting-core/storage"
)

var (
	ErrElectionNotClosed = errors.New("election must be closed before tallying")
	ErrAlreadyTallied    = errors.New("election has already been tallied")
	ErrNoResult          = errors.New("no tally result exists for this election")
)

// Engine decrypts and counts an election's ballots, producing a single signed
// result per election.
//
// The state machine is strict: a result starts InProgress and ends Completed
// or Failed. A Failed result is persisted with its reason and returned to the
// caller as data, not as an error, so the failed attempt itself stays on
// record.
type Engine struct {
	store     *storage.Store
	crypto    *crypto.Service
	keyring   *keyring.Registry
	directory registry.Directory
	audit     *audit.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewEngine(
	store *storage.Store,
	cryptoService *crypto.Service,
	keys *keyring.Registry,
	directory registry.Directory,
	auditLog *audit.Service,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		store:     store,
		crypto:    cryptoService,
		keyring:   keys,
		directory: directory,
		audit:     auditLog,
		metrics:   m,
		logger:    logger,
	}
}

// PerformTally counts an election. The election must be CLOSED and not yet
// tallied. Individual undecryptable or malformed ballots are counted as
// invalid votes and never abort the run; only infrastructure failures fail
// the attempt, and a failed attempt is persisted as a FAILED result.
func (e *Engine) PerformTally(ctx context.Context, electionID, operatorID string) (*models.ElectionResult, error) {
	started := time.Now()
	now := started.UTC()

	election, err := e.directory.Election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if election.Status != registry.ElectionStatusClosed {
		return nil, fmt.Errorf("%w: status is %s", ErrElectionNotClosed, election.Status)
	}

	exists, err := e.store.ResultExists(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyTallied
	}

	result := &models.ElectionResult{
		ID:         uuid.New().String(),
		ElectionID: electionID,
		Status:     models.TallyStatusPending,
	}
	if err := result.StartTally(operatorID, now); err != nil {
		return nil, err
	}
	if err := e.store.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	if err := e.audit.Append(ctx, models.EventTallyStarted, map[string]string{
		"election_id": electionID,
		"operator_id": operatorID,
	}); err != nil {
		return nil, err
	}

	keys, err := e.keyring.GetForTally(electionID)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyUnavailable) {
			return e.failTally(ctx, result, "decryption key unavailable", started)
		}
		return nil, err
	}

	ballots, err := e.store.BallotsByElection(ctx, electionID)
	if err != nil {
		return e.failTally(ctx, result, "failed to load ballots: "+err.Error(), started)
	}

	counts := e.countBallots(ctx, election, ballots, keys.EncryptionKey, now)

	result.TotalBallots = int64(len(ballots))
	result.ValidVotes = counts.validVotes
	result.Abstentions = counts.abstentions
	result.InvalidVotes = counts.invalidVotes
	result.CandidateResults = e.rankCandidates(result.ID, election, counts.candidateVotes, counts.validVotes)

	tokensIssued, err := e.store.CountTokens(ctx, electionID)
	if err != nil {
		return e.failTally(ctx, result, "failed to count tokens: "+err.Error(), started)
	}
	result.TokensIssued = tokensIssued
	result.CalculateTurnout()

	merkleRoot := e.merkleRoot(ballots)
	resultsHash := e.crypto.Hash(
		[]byte(strconv.FormatInt(result.ValidVotes, 10)),
		[]byte(":"),
		[]byte(strconv.FormatInt(result.Abstentions, 10)),
		[]byte(":"),
		[]byte(merkleRoot),
	)
	signature, err := e.crypto.Sign([]byte(resultsHash+electionID), keys.SigningKey)
	if err != nil {
		return e.failTally(ctx, result, "failed to sign results: "+err.Error(), started)
	}

	if err := result.CompleteTally(merkleRoot, resultsHash, signature, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := e.store.SaveResult(ctx, result); err != nil {
		return nil, err
	}

	if err := e.audit.Append(ctx, models.EventTallyCompleted, map[string]string{
		"election_id":   electionID,
		"total_ballots": strconv.FormatInt(result.TotalBallots, 10),
		"valid_votes":   strconv.FormatInt(result.ValidVotes, 10),
		"abstentions":   strconv.FormatInt(result.Abstentions, 10),
		"invalid_votes": strconv.FormatInt(result.InvalidVotes, 10),
		"results_hash":  resultsHash,
	}); err != nil {
		return nil, err
	}
	e.metrics.TalliesRun.WithLabelValues("completed").Inc()
	e.metrics.TallySeconds.Observe(time.Since(started).Seconds())
	e.logger.Info("tally completed",
		"component", "tally",
		"election_id", electionID,
		"total_ballots", result.TotalBallots,
		"valid_votes", result.ValidVotes,
		"invalid_votes", result.InvalidVotes,
	)
	return result, nil
}

// PublishResults flags a completed result as public. Idempotent: publishing
// an already-published result is a no-op that keeps the original timestamp.
func (e *Engine) PublishResults(ctx context.Context, electionID string) (*models.ElectionResult, error) {
	result, err := e.getResult(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if result.Published {
		return result, nil
	}

	if err := result.Publish(time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := e.store.SaveResult(ctx, result); err != nil {
		return nil, err
	}

	if err := e.audit.Append(ctx, models.EventResultsPublished, map[string]string{
		"election_id":  electionID,
		"results_hash": result.ResultsHash,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("results published",
		"component", "tally",
		"election_id", electionID,
	)
	return result, nil
}

// MarkVerified records an external auditor's sign-off on a completed result.
func (e *Engine) MarkVerified(ctx context.Context, electionID, auditorID string) (*models.ElectionResult, error) {
	result, err := e.getResult(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if err := result.MarkVerified(); err != nil {
		return nil, err
	}
	if err := e.store.SaveResult(ctx, result); err != nil {
		return nil, err
	}

	if err := e.audit.Append(ctx, models.EventResultsVerified, map[string]string{
		"election_id": electionID,
		"auditor_id":  auditorID,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// GetResults loads an election's result with its candidate breakdown.
func (e *Engine) GetResults(ctx context.Context, electionID string) (*models.ElectionResult, error) {
	return e.getResult(ctx, electionID)
}

func (e *Engine) getResult(ctx context.Context, electionID string) (*models.ElectionResult, error) {
	result, err := e.store.ResultByElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoResult, electionID)
		}
		return nil, err
	}
	return result, nil
}

type ballotCounts struct {
	candidateVotes map[string]int64
	validVotes     int64
	abstentions    int64
	invalidVotes   int64
}

// countBallots decrypts and classifies every ballot. A ballot that fails to
// decrypt or decode, or that names an unknown candidate, counts as one
// invalid vote; the loop never aborts on ballot content.
func (e *Engine) countBallots(ctx context.Context, election *registry.Election, ballots []models.EncryptedBallot, key []byte, now time.Time) ballotCounts {
	counts := ballotCounts{candidateVotes: make(map[string]int64)}

	for i := range ballots {
		b := &ballots[i]

		plaintext, err := e.crypto.DecryptAESGCM(b.Ciphertext, b.Nonce, key)
		if err != nil {
			counts.invalidVotes++
			e.logger.Warn("ballot failed to decrypt",
				"component", "tally",
				"ballot_id", b.ID,
			)
			e.markTallied(ctx, b.ID, now)
			continue
		}
		payload, err := models.DecodeBallotPayload(plaintext)
		if err != nil {
			counts.invalidVotes++
			e.markTallied(ctx, b.ID, now)
			continue
		}

		switch p := payload.(type) {
		case models.VotePayload:
			if election.HasCandidate(p.CandidateID) {
				counts.candidateVotes[p.CandidateID]++
				counts.validVotes++
			} else {
				counts.invalidVotes++
			}
		case models.AbstentionPayload:
			counts.abstentions++
		default:
			counts.invalidVotes++
		}
		e.markTallied(ctx, b.ID, now)
	}
	return counts
}

func (e *Engine) markTallied(ctx context.Context, ballotID string, now time.Time) {
	if err := e.store.MarkBallotTallied(ctx, nil, ballotID, now); err != nil {
		e.logger.Error("failed to mark ballot tallied",
			"component", "tally",
			"ballot_id", ballotID,
			"error", err,
		)
	}
}

// rankCandidates builds the per-candidate rows, sorted by votes descending.
// Ranks are dense: tied candidates share a rank and the next distinct count
// takes the next rank. Every candidate tied at the maximum with at least one
// vote is a winner.
func (e *Engine) rankCandidates(resultID string, election *registry.Election, votes map[string]int64, validVotes int64) []models.CandidateResult {
	rows := make([]models.CandidateResult, 0, len(election.Candidates))
	for _, c := range election.Candidates {
		count := votes[c.ID]
		percentage := 0.0
		if validVotes > 0 {
			percentage = float64(count) * 100.0 / float64(validVotes)
		}
		rows = append(rows, models.CandidateResult{
			ID:          uuid.New().String(),
			ResultID:    resultID,
			CandidateID: c.ID,
			VoteCount:   count,
			Percentage:  percentage,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].VoteCount > rows[j].VoteCount
	})

	rank := 0
	var prevCount int64 = -1
	for i := range rows {
		if rows[i].VoteCount != prevCount {
			rank++
			prevCount = rows[i].VoteCount
		}
		rows[i].RankPosition = rank
		rows[i].IsWinner = rank == 1 && rows[i].VoteCount > 0
	}
	return rows
}

// merkleRoot commits to the exact ballot set: the hash over all ballot hashes
// in lexicographic order, independent of cast order.
func (e *Engine) merkleRoot(ballots []models.EncryptedBallot) string {
	hashes := make([]string, 0, len(ballots))
	for i := range ballots {
		hashes = append(hashes, ballots[i].BallotHash)
	}
	sort.Strings(hashes)

	parts := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		parts = append(parts, []byte(h))
	}
	return e.crypto.Hash(parts...)
}

// failTally persists the FAILED state and returns the failed result to the
// caller without an error. The attempt is on record either way.
func (e *Engine) failTally(ctx context.Context, result *models.ElectionResult, reason string, started time.Time) (*models.ElectionResult, error) {
	result.FailTally(reason)
	if err := e.store.SaveResult(ctx, result); err != nil {
		return nil, err
	}

	if err := e.audit.Append(ctx, models.EventTallyFailed, map[string]string{
		"election_id": result.ElectionID,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	e.metrics.TalliesRun.WithLabelValues("failed").Inc()
	e.metrics.TallySeconds.Observe(time.Since(started).Seconds())
	e.logger.Error("tally failed",
		"component", "tally",
		"election_id", result.ElectionID,
		"reason", reason,
	)
	return result, nil
}
