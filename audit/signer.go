package audit

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"voting-core/crypto"
)

// SignerCredentials is the at-rest form of the audit signing key.
type SignerCredentials struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateSignerKey restores the audit signing key from the data
// directory, generating and persisting a fresh one on first start. With an
// empty dataDir the key is ephemeral, which suits tests and throwaway runs.
func LoadOrGenerateSignerKey(dataDir string, cryptoService *crypto.Service) (*ecdsa.PrivateKey, error) {
	if dataDir == "" {
		return cryptoService.GenerateKeyPair()
	}

	keyPath := filepath.Join(dataDir, "audit_signer.json")

	if data, err := os.ReadFile(keyPath); err == nil {
		var creds SignerCredentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse signer credentials: %w", err)
		}
		privateKey, err := cryptoService.DecodePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to restore signer key: %w", err)
		}
		return privateKey, nil
	}

	privateKey, err := cryptoService.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signer key: %w", err)
	}

	creds := SignerCredentials{
		PublicKey:  cryptoService.EncodePublicKey(&privateKey.PublicKey),
		PrivateKey: cryptoService.EncodePrivateKey(privateKey),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signer credentials: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save signer credentials: %w", err)
	}
	return privateKey, nil
}
