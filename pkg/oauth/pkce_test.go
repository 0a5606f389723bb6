package oauth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var verifierCharset = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

func TestGenerateVerifier_MeetsRFC7636LengthAndCharset(t *testing.T) {
	v := GenerateVerifier()
	assert.True(t, verifierCharset.MatchString(v), "verifier %q must be 43-128 URL-safe chars", v)
}

func TestGenerateVerifier_Unique(t *testing.T) {
	a := GenerateVerifier()
	b := GenerateVerifier()
	assert.NotEqual(t, a, b)
}

func TestChallengeS256_Deterministic(t *testing.T) {
	v := GenerateVerifier()
	c1 := ChallengeS256(v)
	c2 := ChallengeS256(v)
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, v, c1)
}

func TestGenerateState_Unique(t *testing.T) {
	a := GenerateState()
	b := GenerateState()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
