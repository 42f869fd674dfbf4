package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}

func TestHashAndVerify(t *testing.T) {
	encoded, err := HashWith(fastParams, "s3cret-pass")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	assert.True(t, Verify("s3cret-pass", encoded))
	assert.False(t, Verify("wrong", encoded))
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	assert.False(t, Verify("x", ""))
	assert.False(t, Verify("x", "$bcrypt$v=19$m=1,t=1,p=1$aa$bb"))
	assert.False(t, Verify("x", "$argon2id$v=19$m=abc$aa$bb"))
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashWith(fastParams, "same")
	require.NoError(t, err)
	b, err := HashWith(fastParams, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
