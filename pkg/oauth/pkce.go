package oauth

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// GenerateVerifier returns a high-entropy PKCE code_verifier, 43..128
// URL-safe characters per RFC 7636 §4.1. Delegates to oauth2's own
// generator rather than hand-rolling the character-set/length rules again.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 derives the S256 code_challenge from verifier per RFC 7636
// §4.2.
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a random, unguessable state parameter.
func GenerateState() string {
	return uuid.New().String()
}
