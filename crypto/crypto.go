package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// AlgorithmAESGCM identifies the authenticated encryption scheme used for
// ballot ciphertexts.
const AlgorithmAESGCM = "AES-256-GCM"

const aesKeySize = 32

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid key material")
)

// EncryptedData is one authenticated-encryption output. Ciphertext and Nonce
// are base64 so they round-trip through text transports exactly.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Algorithm  string `json:"algorithm"`
}

// Service bundles the cryptographic primitives shared by the audit log, token
// service, ballot chain and tally engine. It holds no state; all key material
// is passed in.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// GenerateAESKey returns a fresh 256-bit symmetric key.
func (cs *Service) GenerateAESKey() ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	return key, nil
}

// GenerateKeyPair returns a fresh secp256k1 signing key pair.
func (cs *Service) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return ethcrypto.GenerateKey()
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM under a random nonce.
func (cs *Service) EncryptAESGCM(plaintext, key []byte) (*EncryptedData, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("%w: expected %d-byte key, got %d", ErrInvalidKey, aesKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &EncryptedData{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

// DecryptAESGCM reverses EncryptAESGCM. Any authentication-tag mismatch or
// malformed input fails with ErrDecryptionFailed; wrong keys never silently
// produce plaintext.
func (cs *Service) DecryptAESGCM(ciphertextB64, nonceB64 string, key []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("%w: expected %d-byte key, got %d", ErrInvalidKey, aesKeySize, len(key))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext: %v", ErrDecryptionFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed nonce: %v", ErrDecryptionFailed, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecryptionFailed, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Sign produces a recoverable secp256k1 signature over the Keccak256 digest
// of data, encoded base64.
func (cs *Service) Sign(data []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	sig, err := ethcrypto.Sign(cs.Keccak256(data), privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a signature produced by Sign. It never fails with an
// error: any malformed input yields false.
func (cs *Service) VerifySignature(data []byte, signatureB64 string, publicKey *ecdsa.PublicKey) bool {
	if publicKey == nil || publicKey.X == nil || publicKey.Y == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	recovered, err := ethcrypto.SigToPub(cs.Keccak256(data), sig)
	if err != nil {
		return false
	}
	return recovered.X.Cmp(publicKey.X) == 0 && recovered.Y.Cmp(publicKey.Y) == 0
}

// Hash returns the hex-encoded Keccak256 digest of the concatenated inputs.
func (cs *Service) Hash(data ...[]byte) string {
	return hex.EncodeToString(cs.Keccak256(data...))
}

// Keccak256 computes the raw Keccak-256 digest of the concatenated inputs.
func (cs *Service) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// GenerateSecureToken returns a high-entropy opaque token secret, base64url
// without padding.
func (cs *Service) GenerateSecureToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateNonce returns a globally unique nonce string.
func (cs *Service) GenerateNonce() string {
	return fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixMilli())
}

// EncodePublicKey serializes a public key to base64.
func (cs *Service) EncodePublicKey(pub *ecdsa.PublicKey) string {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(ethcrypto.FromECDSAPub(pub))
}

// DecodePublicKey reverses EncodePublicKey.
func (cs *Service) DecodePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// EncodePrivateKey serializes a private key to hex for at-rest storage.
func (cs *Service) EncodePrivateKey(priv *ecdsa.PrivateKey) string {
	return hex.EncodeToString(ethcrypto.FromECDSA(priv))
}

// DecodePrivateKey reverses EncodePrivateKey.
func (cs *Service) DecodePrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	priv, err := ethcrypto.HexToECDSA(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}
