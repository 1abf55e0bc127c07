package kms

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds the derived key to its purpose, per HKDF's domain
// separation convention.
const hkdfInfo = "scriptwarden/secret-store/v1"

// DeriveFromMasterKey loads or creates a keystore at keystorePath whose
// initial key (version 1) is deterministically derived from masterKey via
// HKDF-SHA256, rather than generated at random. This lets the broker start
// from a single configured master_key (per the configuration contract)
// while still supporting later Rotate() calls that generate fresh random
// keys for subsequent versions.
func DeriveFromMasterKey(masterKey, keystorePath string) (*LocalKMS, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("kms: master key is required")
	}

	if _, err := os.Stat(keystorePath); err == nil {
		// Existing keystore takes precedence — a running deployment must
		// not have its active key silently replaced by a re-derivation.
		return NewLocalKMS(keystorePath)
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}

	k, err := NewLocalKMS(keystorePath)
	if err != nil {
		return nil, err
	}
	if err := k.ImportKey(derived, 1); err != nil {
		return nil, fmt.Errorf("kms: import derived key: %w", err)
	}
	return k, nil
}
