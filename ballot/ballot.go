package ballot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"voting-core/audit"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/metrics"
	"voting-core/models"
	"voting-core/registry"
	"voting-core/storage"
	"voting-core/token"
)

var (
	ErrUnknownCandidate      = errors.New("candidate does not belong to this election")
	ErrAbstentionNotAllowed  = errors.New("election does not allow abstention")
	ErrJustificationRequired = errors.New("abstention requires a justification")
)

// CastContext carries request metadata for a cast. Both fields are optional
// and stored only as hashes.
type CastContext struct {
	IPAddress string
	UserAgent string
}

// Receipt is the anonymous proof of casting handed back to the voter. It
// identifies the ballot without revealing its content or the voter.
type Receipt struct {
	BallotID   string    `json:"ballot_id"`
	BallotHash string    `json:"ballot_hash"`
	CastAt     time.Time `json:"cast_at"`
}

// VerifyReceiptResult answers a receipt lookup.
type VerifyReceiptResult struct {
	Exists  bool       `json:"exists"`
	Tallied bool       `json:"tallied"`
	CastAt  *time.Time `json:"cast_at,omitempty"`
}

// ChainVerification reports a per-election ballot chain integrity check.
type ChainVerification struct {
	Valid     bool   `json:"valid"`
	Ballots   int    `json:"ballots"`
	FailedSeq uint64 `json:"failed_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Service maintains the per-election encrypted ballot chain. Each ballot's
// hash covers its ciphertext, nonce and the previous ballot's hash, so the
// recorded sequence cannot be reordered or thinned without detection.
type Service struct {
	store     *storage.Store
	crypto    *crypto.Service
	keyring   *keyring.Registry
	directory registry.Directory
	tokens    *token.Service
	audit     *audit.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Serializes read-tail-then-append per process so two casts cannot both
	// link to the same predecessor.
	mu sync.Mutex
}

func NewService(
	store *storage.Store,
	cryptoService *crypto.Service,
	keys *keyring.Registry,
	directory registry.Directory,
	tokens *token.Service,
	auditLog *audit.Service,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		store:     store,
		crypto:    cryptoService,
		keyring:   keys,
		directory: directory,
		tokens:    tokens,
		audit:     auditLog,
		metrics:   m,
		logger:    logger,
	}
}

// CastVote records an encrypted vote for a candidate, consuming the voting
// token in the same transaction as the ballot insert.
func (s *Service) CastVote(ctx context.Context, electionID, tokenSecret, candidateID string, castCtx CastContext) (*Receipt, error) {
	now := time.Now().UTC()

	election, err := s.openElection(ctx, electionID, now)
	if err != nil {
		return nil, err
	}
	if !election.HasCandidate(candidateID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
	}

	payload := models.VotePayload{CandidateID: candidateID, Timestamp: now}
	return s.cast(ctx, electionID, tokenSecret, payload, castCtx, now)
}

// CastAbstention records an explicit abstention. The election must allow it,
// and a justification is mandatory when the election demands one.
func (s *Service) CastAbstention(ctx context.Context, electionID, tokenSecret, justification string, castCtx CastContext) (*Receipt, error) {
	now := time.Now().UTC()

	election, err := s.openElection(ctx, electionID, now)
	if err != nil {
		return nil, err
	}
	if !election.AllowAbstention {
		return nil, ErrAbstentionNotAllowed
	}
	if election.RequireJustification && justification == "" {
		return nil, ErrJustificationRequired
	}

	payload := models.AbstentionPayload{Justification: justification, Timestamp: now}
	return s.cast(ctx, electionID, tokenSecret, payload, castCtx, now)
}

// VerifyReceipt reports whether a ballot hash exists in the chain and whether
// it has been counted. It deliberately reveals nothing else.
func (s *Service) VerifyReceipt(ctx context.Context, ballotHash string) (*VerifyReceiptResult, error) {
	b, err := s.store.BallotByHash(ctx, ballotHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &VerifyReceiptResult{}, nil
		}
		return nil, err
	}
	castAt := b.CastAt
	return &VerifyReceiptResult{
		Exists:  true,
		Tallied: b.Tallied,
		CastAt:  &castAt,
	}, nil
}

// VerifyChainIntegrity replays an election's ballots in cast order, checking
// every stored hash and prev link. The first mismatch fails the check and
// names the offending ballot.
func (s *Service) VerifyChainIntegrity(ctx context.Context, electionID string) (*ChainVerification, error) {
	ballots, err := s.store.BallotsByElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	expectedPrev := ""
	for i := range ballots {
		b := &ballots[i]
		if b.PrevBallotHash != expectedPrev {
			return &ChainVerification{
				Ballots:   len(ballots),
				FailedSeq: b.Seq,
				Reason:    "prev hash does not match previous ballot hash",
			}, nil
		}
		if s.ballotHash(b.Ciphertext, b.Nonce, b.PrevBallotHash) != b.BallotHash {
			return &ChainVerification{
				Ballots:   len(ballots),
				FailedSeq: b.Seq,
				Reason:    "stored ballot hash does not match recomputed hash",
			}, nil
		}
		expectedPrev = b.BallotHash
	}
	return &ChainVerification{Valid: true, Ballots: len(ballots)}, nil
}

// Stats returns the ballot count breakdown for an election.
func (s *Service) Stats(ctx context.Context, electionID string) (*storage.BallotStats, error) {
	return s.store.BallotStatsByElection(ctx, electionID)
}

func (s *Service) openElection(ctx context.Context, electionID string, now time.Time) (*registry.Election, error) {
	election, err := s.directory.Election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if !election.VotingOpen(now) {
		return nil, registry.ErrVotingNotOpen
	}
	return election, nil
}

// cast encrypts the payload, links it into the chain and commits the ballot
// together with the token consumption. If either fails, both roll back and
// the voter's token stays redeemable.
func (s *Service) cast(ctx context.Context, electionID, tokenSecret string, payload models.BallotPayload, castCtx CastContext, now time.Time) (*Receipt, error) {
	plaintext, err := models.EncodeBallotPayload(payload)
	if err != nil {
		return nil, err
	}

	keys, err := s.keyring.GetOrCreate(electionID)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.crypto.EncryptAESGCM(plaintext, keys.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt ballot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.store.LastBallot(ctx, electionID)
	if err != nil {
		return nil, err
	}
	prevHash := ""
	if tail != nil {
		prevHash = tail.BallotHash
	}

	b := &models.EncryptedBallot{
		ID:             uuid.New().String(),
		ElectionID:     electionID,
		Ciphertext:     encrypted.Ciphertext,
		Algorithm:      encrypted.Algorithm,
		KeyID:          keys.KeyID,
		Nonce:          encrypted.Nonce,
		CastAt:         now,
		BallotHash:     s.ballotHash(encrypted.Ciphertext, encrypted.Nonce, prevHash),
		PrevBallotHash: prevHash,
	}
	if castCtx.IPAddress != "" {
		b.IPHash = s.crypto.Hash([]byte(castCtx.IPAddress))
	}
	if castCtx.UserAgent != "" {
		b.UserAgentHash = s.crypto.Hash([]byte(castCtx.UserAgent))
	}
	signature, err := s.crypto.Sign(
		[]byte(b.BallotHash+b.ElectionID+b.Algorithm),
		keys.SigningKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sign ballot: %w", err)
	}
	b.VerificationSignature = signature

	var tokenID string
	err = s.store.Transaction(func(tx *gorm.DB) error {
		if err := s.store.CreateBallot(ctx, tx, b); err != nil {
			return err
		}
		id, err := s.tokens.ValidateAndConsumeTx(ctx, tx, electionID, tokenSecret, b.ID)
		tokenID = id
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenNotValid):
			s.auditSecurityAlert(ctx, electionID, "cast attempted with a spent token "+tokenID)
		case errors.Is(err, token.ErrInvalidSignature):
			s.auditSecurityAlert(ctx, electionID, "cast attempted with a forged token signature")
		}
		return nil, err
	}
	if err := s.tokens.RecordConsumption(ctx, electionID, tokenID); err != nil {
		return nil, err
	}

	eventType := models.EventVoteCast
	ballotType := "vote"
	if payload.PayloadType() == models.PayloadTypeAbstention {
		eventType = models.EventAbstentionCast
		ballotType = "abstention"
	}
	if err := s.audit.Append(ctx, eventType, map[string]string{
		"election_id": electionID,
		"ballot_id":   b.ID,
		"ballot_hash": b.BallotHash,
	}); err != nil {
		return nil, err
	}
	s.metrics.BallotsCast.WithLabelValues(ballotType).Inc()
	s.logger.Info("ballot recorded",
		"component", "ballot",
		"election_id", electionID,
		"ballot_id", b.ID,
		"type", ballotType,
	)

	return &Receipt{
		BallotID:   b.ID,
		BallotHash: b.BallotHash,
		CastAt:     b.CastAt,
	}, nil
}

// ballotHash computes H(ciphertext || nonce || prevHash) over the encoded
// strings, matching what external verifiers can recompute from chain exports.
func (s *Service) ballotHash(ciphertext, nonce, prevHash string) string {
	return s.crypto.Hash([]byte(ciphertext), []byte(nonce), []byte(prevHash))
}

func (s *Service) auditSecurityAlert(ctx context.Context, electionID, detail string) {
	if err := s.audit.Append(ctx, models.EventSecurityAlert, map[string]string{
		"election_id": electionID,
		"detail":      detail,
	}); err != nil {
		s.logger.Error("failed to record security alert",
			"component", "ballot",
			"error", err,
		)
	}
}
