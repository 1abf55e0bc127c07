// Package dispatcher implements the Dispatcher state machine (spec §4.4):
// admission, capability token minting, sandbox dispatch, and terminal
// status recording.
package dispatcher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TokenRecord is what the Dispatcher caches at mint time and the Broker
// reads back to verify a callback's token (spec §4.5 step 3).
type TokenRecord struct {
	ExecutionID string    `json:"execution_id"`
	Nonce       string    `json:"nonce"`
	Expiry      time.Time `json:"expiry"`
}

// TokenCacheKey is the cache key a minted TokenRecord is stored under, so
// the Broker can look up the same record to verify a callback's token.
func TokenCacheKey(executionID string) string {
	return "captoken:" + executionID
}

func generateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dispatcher: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func signToken(masterKey []byte, executionID, nonce string, expiry time.Time) string {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte(executionID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write([]byte(expiry.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

// MintToken produces a CapabilityToken (HMAC over
// {execution_id, expiry, nonce}, spec §4.4) and the TokenRecord that must
// be cached so the Broker can later verify it.
func MintToken(masterKey []byte, executionID string, ttl time.Duration, now time.Time) (token string, record TokenRecord, err error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", TokenRecord{}, err
	}
	expiry := now.Add(ttl)
	token = signToken(masterKey, executionID, nonce, expiry)
	record = TokenRecord{ExecutionID: executionID, Nonce: nonce, Expiry: expiry}
	return token, record, nil
}

// VerifyToken recomputes the HMAC from the cached record and compares it
// to the presented token in constant time (spec §4.5 step 3).
func VerifyToken(masterKey []byte, executionID, token string, record TokenRecord, now time.Time) bool {
	if record.ExecutionID != executionID {
		return false
	}
	if now.After(record.Expiry) {
		return false
	}
	expected := signToken(masterKey, executionID, record.Nonce, record.Expiry)
	return hmac.Equal([]byte(expected), []byte(token))
}

// MarshalTokenRecord/UnmarshalTokenRecord let callers round-trip a
// TokenRecord through a cache.Cache string value.
func MarshalTokenRecord(r TokenRecord) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalTokenRecord(raw string) (TokenRecord, error) {
	var r TokenRecord
	err := json.Unmarshal([]byte(raw), &r)
	return r, err
}
