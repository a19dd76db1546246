package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams(t *testing.T) {
	params := NewFromConfigString("filters=128, blocks=6,,mixed_precision,reduced_dtype=bfloat16,lr=1e-3,eq=a=b")
	assert.Len(t, params, 6)
	assert.Equal(t, "a=b", params["eq"])

	filters, err := PopParamOr(params, "filters", 256)
	require.NoError(t, err)
	assert.Equal(t, 128, filters)
	blocks, err := GetParamOr(params, "blocks", 10)
	require.NoError(t, err)
	assert.Equal(t, 6, blocks)
	mixed, err := PopParamOr(params, "mixed_precision", false)
	require.NoError(t, err)
	assert.True(t, mixed)
	lr, err := PopParamOr(params, "lr", float32(3e-4))
	require.NoError(t, err)
	assert.Equal(t, float32(1e-3), lr)
	missing, err := PopParamOr(params, "missing", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, missing)

	_, err = GetParamOr(params, "reduced_dtype", 1)
	require.Error(t, err)
	_, err = GetParamOr(params, "reduced_dtype", true)
	require.Error(t, err)

	err = AssertEmpty(params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `["blocks" "eq" "reduced_dtype"]`)
	for _, key := range []string{"blocks", "eq", "reduced_dtype"} {
		delete(params, key)
	}
	require.NoError(t, AssertEmpty(params))
}
