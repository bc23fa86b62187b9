package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"voting-core/anonymizer"
	"voting-core/audit"
	"voting-core/crypto"
	"voting-core/keyring"
	"voting-core/metrics"
	"voting-core/models"
	"voting-core/registry"
	"voting-core/storage"
)

var (
	ErrNotEligible      = errors.New("voter is not eligible for this election")
	ErrAlreadyIssued    = errors.New("a token was already issued for this voter")
	ErrInvalidToken     = errors.New("token is not recognized")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrTokenNotValid    = errors.New("token is not valid for voting")
)

// IssuedToken is the one-time response handed to the voter. The secret only
// exists here; the stored row keeps its hash.
type IssuedToken struct {
	TokenID   string    `json:"token_id"`
	Secret    string    `json:"secret"`
	Signature string    `json:"signature"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidationResult is the non-consuming token check outcome.
type ValidationResult struct {
	Valid     bool               `json:"valid"`
	Status    models.TokenStatus `json:"status,omitempty"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// Service issues, validates and consumes anonymous voting tokens.
type Service struct {
	store      *storage.Store
	crypto     *crypto.Service
	keyring    *keyring.Registry
	directory  registry.Directory
	anonymizer *anonymizer.Anonymizer
	audit      *audit.Service
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewService(
	store *storage.Store,
	cryptoService *crypto.Service,
	keys *keyring.Registry,
	directory registry.Directory,
	anon *anonymizer.Anonymizer,
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
		store:      store,
		crypto:     cryptoService,
		keyring:    keys,
		directory:  directory,
		anonymizer: anon,
		audit:      auditLog,
		metrics:    m,
		logger:     logger,
	}
}

// Issue creates one anonymous voting token for a voter in an election. The
// voter identity is hashed before any lookup or storage; the returned secret
// is shown exactly once and never persisted.
//
// At most one token exists per (election, voter) pair. The pre-check catches
// the common case cheaply; the unique index catches the race when two
// requests for the same voter interleave.
func (s *Service) Issue(ctx context.Context, electionID, externalVoterID string) (*IssuedToken, error) {
	now := time.Now().UTC()

	election, err := s.directory.Election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if !election.VotingOpen(now) {
		return nil, registry.ErrVotingNotOpen
	}

	voterIDHash := s.anonymizer.HashVoterIdentity(electionID, externalVoterID)
	voter, err := s.directory.Voter(ctx, electionID, voterIDHash)
	if err != nil {
		if errors.Is(err, registry.ErrVoterNotFound) {
			return nil, fmt.Errorf("%w: not registered", ErrNotEligible)
		}
		return nil, err
	}
	if !voter.Eligible {
		s.auditSecurityAlert(ctx, electionID, "token requested by ineligible voter")
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, voter.IneligibilityReason)
	}

	exists, err := s.store.TokenExists(ctx, electionID, voterIDHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyIssued
	}

	secret, err := s.crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	tokenHash := s.crypto.Hash([]byte(secret))

	keys, err := s.keyring.GetOrCreate(electionID)
	if err != nil {
		return nil, err
	}
	signature, err := s.crypto.Sign([]byte(tokenHash), keys.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	tok := &models.BlindToken{
		ID:          uuid.New().String(),
		ElectionID:  electionID,
		VoterIDHash: voterIDHash,
		TokenHash:   tokenHash,
		Signature:   signature,
		Status:      models.TokenStatusIssued,
		IssuedAt:    now,
		ExpiresAt:   election.EndTs,
		Nonce:       s.crypto.GenerateNonce(),
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		// the unique (election, voter hash) index closes the pre-check race
		if isUniqueViolation(err) {
			return nil, ErrAlreadyIssued
		}
		return nil, err
	}

	if err := s.audit.Append(ctx, models.EventTokenIssued, map[string]string{
		"election_id": electionID,
		"token_id":    tok.ID,
	}); err != nil {
		return nil, err
	}
	s.metrics.TokensIssued.Inc()
	s.logger.Info("token issued",
		"component", "token",
		"election_id", electionID,
		"token_id", tok.ID,
	)

	return &IssuedToken{
		TokenID:   tok.ID,
		Secret:    secret,
		Signature: signature,
		Nonce:     tok.Nonce,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Validate checks a token secret without consuming it. Unknown tokens report
// invalid rather than erroring, so callers cannot probe which secrets exist.
func (s *Service) Validate(ctx context.Context, electionID, secret string) (*ValidationResult, error) {
	tok, err := s.lookup(ctx, nil, electionID, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return &ValidationResult{Valid: false, Reason: "token not recognized"}, nil
		}
		if errors.Is(err, ErrInvalidSignature) {
			s.auditSecurityAlert(ctx, electionID, "token with invalid signature presented")
			return &ValidationResult{Valid: false, Reason: "token signature invalid"}, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	result := &ValidationResult{
		Status:    tok.Status,
		ExpiresAt: tok.ExpiresAt,
	}
	switch {
	case tok.CanVote(now):
		result.Valid = true
	case tok.Status != models.TokenStatusIssued:
		result.Reason = "token already " + strings.ToLower(string(tok.Status))
	default:
		result.Reason = "token expired"
	}
	return result, nil
}

// ValidateAndConsume redeems a token for a ballot id, with full audit and
// metrics bookkeeping.
func (s *Service) ValidateAndConsume(ctx context.Context, electionID, secret, ballotID string) error {
	tokenID, err := s.ValidateAndConsumeTx(ctx, nil, electionID, secret, ballotID)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			s.auditSecurityAlert(ctx, electionID, "token with invalid signature presented")
		}
		if errors.Is(err, ErrTokenNotValid) {
			s.auditSecurityAlert(ctx, electionID, "attempted reuse of token "+tokenID)
		}
		return err
	}
	return s.RecordConsumption(ctx, electionID, tokenID)
}

// ValidateAndConsumeTx redeems a token inside the caller's transaction, so a
// ballot insert and its token consumption commit or roll back together. It
// touches nothing but the transaction: the caller records the consumption via
// RecordConsumption after the transaction commits.
//
// The final transition is a conditional update keyed on the ISSUED status:
// under concurrent redemption of the same secret exactly one caller wins and
// the rest get ErrTokenNotValid. The failed token id is returned alongside
// the error so callers can report the reuse attempt.
func (s *Service) ValidateAndConsumeTx(ctx context.Context, tx *gorm.DB, electionID, secret, ballotID string) (string, error) {
	tok, err := s.lookup(ctx, tx, electionID, secret)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	consumed, err := s.store.ConsumeToken(ctx, tx, tok.ID, ballotID, now)
	if err != nil {
		return tok.ID, err
	}
	if !consumed {
		return tok.ID, fmt.Errorf("%w: already used, expired or revoked", ErrTokenNotValid)
	}
	return tok.ID, nil
}

// RecordConsumption appends the audit entry and metric for a committed token
// consumption.
func (s *Service) RecordConsumption(ctx context.Context, electionID, tokenID string) error {
	if err := s.audit.Append(ctx, models.EventTokenConsumed, map[string]string{
		"election_id": electionID,
		"token_id":    tokenID,
	}); err != nil {
		return err
	}
	s.metrics.TokensConsumed.Inc()
	return nil
}

// Revoke invalidates an issued token, for cases like a voter reporting a
// leaked secret. A consumed token cannot be revoked: the ballot it cast is
// already part of the chain.
func (s *Service) Revoke(ctx context.Context, tokenID, reason string) error {
	tok, err := s.store.TokenByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := tok.Revoke(); err != nil {
		return err
	}
	if err := s.store.UpdateTokenStatus(ctx, tok.ID, models.TokenStatusRevoked); err != nil {
		return err
	}

	if err := s.audit.Append(ctx, models.EventTokenRevoked, map[string]string{
		"election_id": tok.ElectionID,
		"token_id":    tok.ID,
		"reason":      reason,
	}); err != nil {
		return err
	}
	s.metrics.TokensRevoked.Inc()
	s.logger.Info("token revoked",
		"component", "token",
		"election_id", tok.ElectionID,
		"token_id", tok.ID,
	)
	return nil
}

// ExpireDue sweeps all overdue ISSUED tokens to EXPIRED. Idempotent; a sweep
// that finds nothing appends no audit entry.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	count, err := s.store.ExpireDueTokens(ctx, now)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.audit.Append(ctx, models.EventTokensExpired, map[string]string{
		"count": strconv.FormatInt(count, 10),
	}); err != nil {
		return count, err
	}
	s.metrics.TokensExpired.Add(float64(count))
	s.logger.Info("expired overdue tokens",
		"component", "token",
		"count", count,
	)
	return count, nil
}

// Stats returns the per-status token counts for an election.
func (s *Service) Stats(ctx context.Context, electionID string) (*storage.TokenStats, error) {
	return s.store.TokenStatsByElection(ctx, electionID)
}

// ElectionPublicKey exposes the election signing public key so external
// verifiers can check token signatures offline.
func (s *Service) ElectionPublicKey(electionID string) (string, error) {
	return s.keyring.PublicKey(electionID)
}

// lookup resolves a secret to its stored token and verifies the issuance
// signature against the election key. It only reads through the given
// transaction handle, so it is safe to call mid-transaction.
func (s *Service) lookup(ctx context.Context, tx *gorm.DB, electionID, secret string) (*models.BlindToken, error) {
	tokenHash := s.crypto.Hash([]byte(secret))
	tok, err := s.store.TokenByHash(ctx, tx, tokenHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if tok.ElectionID != electionID {
		return nil, fmt.Errorf("%w: wrong election", ErrInvalidToken)
	}

	keys, err := s.keyring.GetOrCreate(electionID)
	if err != nil {
		return nil, err
	}
	if !s.crypto.VerifySignature([]byte(tok.TokenHash), tok.Signature, &keys.SigningKey.PublicKey) {
		return nil, ErrInvalidSignature
	}
	return tok, nil
}

func (s *Service) auditSecurityAlert(ctx context.Context, electionID, detail string) {
	if err := s.audit.Append(ctx, models.EventSecurityAlert, map[string]string{
		"election_id": electionID,
		"detail":      detail,
	}); err != nil {
		s.logger.Error("failed to record security alert",
			"component", "token",
			"error", err,
		)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
