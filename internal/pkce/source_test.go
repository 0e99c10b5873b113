package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSource_PKCE(t *testing.T) {
	p := Source{}
	pkce := p.PKCE()
	assert.NotEmpty(t, pkce.Verifier, "Empty pkce verifier")
	assert.NotEmpty(t, pkce.Challenge, "Empty pkce challenge")
	assert.Equal(t, MethodS256, pkce.Method, "Unexpected PKCE method")

	sum := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pkce.Challenge, "Challenge is not the S256 hash of the verifier")
}

func TestSource_State(t *testing.T) {
	p := Source{}
	state := p.State()
	assert.NotEmpty(t, state, "Empty state generated")
	assert.NotEqual(t, state, p.State(), "States are not unique")
}
