package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ProducesPrefixedThirtyTwoCharKey(t *testing.T) {
	raw, err := Generate()
	require.NoError(t, err)
	assert.True(t, len(raw) == len("ck-")+32)
	assert.Equal(t, "ck-", raw[:3])
}

func TestGenerate_IsNotConstant(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashKey_IsDeterministic(t *testing.T) {
	assert.Equal(t, HashKey("ck-abc"), HashKey("ck-abc"))
	assert.NotEqual(t, HashKey("ck-abc"), HashKey("ck-abd"))
}

func TestHashKey_IsHexSHA256Length(t *testing.T) {
	h := HashKey("ck-abc")
	assert.Len(t, h, 64)
}
