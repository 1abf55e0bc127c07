package scripts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// checksumPayload is the canonicalised representation a ScriptVersion's
// checksum is computed over. Using JCS (RFC 8785) rather than Go's
// json.Marshal makes the checksum independent of struct field order or
// encoder whitespace choices.
type checksumPayload struct {
	ScriptID string `json:"script_id"`
	Version  int    `json:"version"`
	Source   string `json:"source"`
}

// Checksum computes the content hash for a ScriptVersion's source. Two
// versions with identical (script_id, version, source) always produce the
// same checksum, satisfying the validator's determinism property.
func Checksum(scriptID string, version int, source string) (string, error) {
	raw, err := json.Marshal(checksumPayload{ScriptID: scriptID, Version: version, Source: source})
	if err != nil {
		return "", fmt.Errorf("scripts: marshal checksum payload: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("scripts: canonicalize checksum payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
