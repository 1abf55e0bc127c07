package kms

import (
	"path/filepath"
	"testing"
)

func TestDeriveFromMasterKey_Deterministic(t *testing.T) {
	masterKey := "correct-horse-battery-staple"

	path1 := filepath.Join(t.TempDir(), "keys.json")
	k1, err := DeriveFromMasterKey(masterKey, path1)
	if err != nil {
		t.Fatalf("DeriveFromMasterKey: %v", err)
	}

	path2 := filepath.Join(t.TempDir(), "keys.json")
	k2, err := DeriveFromMasterKey(masterKey, path2)
	if err != nil {
		t.Fatalf("DeriveFromMasterKey: %v", err)
	}

	ct, err := k1.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Same master key must derive the same key material, so k2 can
	// decrypt what k1 encrypted even though they are separate keystores.
	pt, err := k2.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with independently-derived key: %v", err)
	}
	if pt != "hello" {
		t.Errorf("got %q, want %q", pt, "hello")
	}
}

func TestDeriveFromMasterKey_RequiresKey(t *testing.T) {
	if _, err := DeriveFromMasterKey("", filepath.Join(t.TempDir(), "keys.json")); err == nil {
		t.Error("expected error for empty master key")
	}
}

func TestDeriveFromMasterKey_ExistingKeystoreWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	k, err := DeriveFromMasterKey("master-a", path)
	if err != nil {
		t.Fatalf("DeriveFromMasterKey: %v", err)
	}
	ct, err := k.Encrypt("persisted")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Re-deriving with a different master key must not disturb the
	// existing keystore on disk.
	k2, err := DeriveFromMasterKey("master-b", path)
	if err != nil {
		t.Fatalf("DeriveFromMasterKey reload: %v", err)
	}
	pt, err := k2.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "persisted" {
		t.Errorf("got %q, want %q", pt, "persisted")
	}
}
