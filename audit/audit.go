package audit

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"voting-core/crypto"
	"voting-core/metrics"
	"voting-core/models"
	"voting-core/storage"
)

// Service maintains the hash-chained audit log. Every significant state
// change in the system lands here as one signed, chain-linked entry.
//
// Appends run on the store's base connection after the caller's own
// transaction has resolved, so audit evidence survives a rolled-back
// operation. The corollary is accepted: an entry may describe an action that
// never took effect.
type Service struct {
	store       *storage.Store
	crypto      *crypto.Service
	signer      *ecdsa.PrivateKey
	signerKeyID string
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Serializes tail-read-then-append so sequence ids and prev hashes
	// cannot interleave between concurrent appenders.
	mu sync.Mutex
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid     bool
	Entries   int
	FailedSeq uint64
	Reason    string
}

func NewService(
	store *storage.Store,
	cryptoService *crypto.Service,
	signer *ecdsa.PrivateKey,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New(nil)
	}
	signerKeyID := "audit-" + cryptoService.Hash(
		[]byte(cryptoService.EncodePublicKey(&signer.PublicKey)),
	)[:16]
	return &Service{
		store:       store,
		crypto:      cryptoService,
		signer:      signer,
		signerKeyID: signerKeyID,
		metrics:     m,
		logger:      logger,
	}
}

// SignerKeyID identifies the key that signs entries from this process.
func (s *Service) SignerKeyID() string {
	return s.signerKeyID
}

// Append records one audit event. A payload that cannot be serialized fails
// the append, and by policy the caller must treat its own action as
// not-audited and reject it.
func (s *Service) Append(ctx context.Context, eventType models.AuditEventType, payload map[string]string) error {
	// map keys are serialized in sorted order, keeping the hashed bytes
	// deterministic for a given payload
	eventData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize audit payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.store.LastAuditEntry(ctx)
	if err != nil {
		return fmt.Errorf("failed to read audit chain tail: %w", err)
	}
	prevHash := ""
	if tail != nil {
		prevHash = tail.EntryHash
	}

	now := time.Now().UTC()
	entry := &models.AuditEntry{
		EventType:   eventType,
		EventData:   string(eventData),
		Ts:          now,
		PrevHash:    prevHash,
		SignerKeyID: s.signerKeyID,
	}
	entry.EntryHash = s.entryHash(entry)
	signature, err := s.crypto.Sign([]byte(entry.EntryHash+entry.SignerKeyID), s.signer)
	if err != nil {
		return fmt.Errorf("failed to sign audit entry: %w", err)
	}
	entry.Signature = signature

	if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
		return err
	}
	s.metrics.AuditEntries.Inc()
	s.logger.Debug("audit event logged",
		"component", "audit",
		"event_type", eventType,
		"seq", entry.Seq,
	)
	return nil
}

// VerifyChain replays the full log in sequence order, recomputing every
// entry hash and checking every prev-hash link. It fails closed at the first
// mismatch, identifying the offending entry, and never attempts repair.
func (s *Service) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	entries, err := s.store.AuditEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	expectedPrevHash := ""
	for i := range entries {
		entry := &entries[i]
		if entry.PrevHash != expectedPrevHash {
			s.logger.Error("audit chain link mismatch",
				"component", "audit",
				"seq", entry.Seq,
			)
			return &VerifyResult{
				Entries:   len(entries),
				FailedSeq: entry.Seq,
				Reason:    "prev hash does not match previous entry hash",
			}, nil
		}
		if s.entryHash(entry) != entry.EntryHash {
			s.logger.Error("audit entry hash mismatch",
				"component", "audit",
				"seq", entry.Seq,
			)
			return &VerifyResult{
				Entries:   len(entries),
				FailedSeq: entry.Seq,
				Reason:    "stored entry hash does not match recomputed hash",
			}, nil
		}
		expectedPrevHash = entry.EntryHash
	}

	s.logger.Info("audit chain verified",
		"component", "audit",
		"entries", len(entries),
	)
	return &VerifyResult{Valid: true, Entries: len(entries)}, nil
}

// CurrentRootHash returns the chain's current commitment: the hash of the
// most recent entry, or empty when the log is empty.
func (s *Service) CurrentRootHash(ctx context.Context) (string, error) {
	tail, err := s.store.LastAuditEntry(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read audit chain tail: %w", err)
	}
	if tail == nil {
		return "", nil
	}
	return tail.EntryHash, nil
}

// entryHash computes H(eventType || payload || timestamp || prevHash).
func (s *Service) entryHash(entry *models.AuditEntry) string {
	return s.crypto.Hash(
		[]byte(entry.EventType),
		[]byte(entry.EventData),
		[]byte(entry.Ts.UTC().Format(time.RFC3339Nano)),
		[]byte(entry.PrevHash),
	)
}
