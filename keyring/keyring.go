package keyring

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"voting-core/crypto"
)

// ErrKeyUnavailable is returned when a tally asks for key material that was
// never created in this process. Keys are not persisted, so this happens
// after a restart between voting and tallying; that operational limitation
// is known and not papered over here.
var ErrKeyUnavailable = errors.New("key material unavailable for election")

// ElectionKeys is the per-election key material: one symmetric key for ballot
// encryption and one signing key pair for tokens, ballots and results.
type ElectionKeys struct {
	KeyID         string
	EncryptionKey []byte
	SigningKey    *ecdsa.PrivateKey
}

// Registry lazily creates and holds election key material for the lifetime
// of the process.
type Registry struct {
	mu     sync.Mutex
	keys   map[string]*ElectionKeys
	crypto *crypto.Service
	logger *slog.Logger
}

func New(cryptoService *crypto.Service, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Registry{
		keys:   make(map[string]*ElectionKeys),
		crypto: cryptoService,
		logger: logger,
	}
}

// GetOrCreate returns the election's key material, generating it exactly once
// on first access. Safe under concurrent callers: generation happens inside
// the registry lock, so racing requests observe the same keys.
func (r *Registry) GetOrCreate(electionID string) (*ElectionKeys, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if keys, ok := r.keys[electionID]; ok {
		return keys, nil
	}

	encryptionKey, err := r.crypto.GenerateAESKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption key: %w", err)
	}
	signingKey, err := r.crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to create signing key pair: %w", err)
	}
	keys := &ElectionKeys{
		KeyID:         "election-" + electionID,
		EncryptionKey: encryptionKey,
		SigningKey:    signingKey,
	}
	r.keys[electionID] = keys
	r.logger.Info("generated key material for election",
		"component", "keyring",
		"election_id", electionID,
		"key_id", keys.KeyID,
	)
	return keys, nil
}

// GetForTally returns existing key material without creating any. A missing
// entry fails with ErrKeyUnavailable: a tally must never mint a fresh key
// that could not decrypt the recorded ballots.
func (r *Registry) GetForTally(electionID string) (*ElectionKeys, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.keys[electionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyUnavailable, electionID)
	}
	return keys, nil
}

// PublicKey returns the election's base64-encoded signing public key,
// creating the key material if needed. External verifiers use it to check
// token and results signatures.
func (r *Registry) PublicKey(electionID string) (string, error) {
	keys, err := r.GetOrCreate(electionID)
	if err != nil {
		return "", err
	}
	return r.crypto.EncodePublicKey(&keys.SigningKey.PublicKey), nil
}
