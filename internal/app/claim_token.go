package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	claimTokenBytes       = 32
	maxClaimTokenAttempts = 3
)

// generateClaimToken returns 32 random bytes as unpadded base64url (43 chars).
func generateClaimToken() (string, error) {
	buf := make([]byte, claimTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenFingerprint identifies a claim token in logs without revealing it.
func tokenFingerprint(claimToken string) string {
	if claimToken == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(claimToken))
	return hex.EncodeToString(sum[:8])
}
