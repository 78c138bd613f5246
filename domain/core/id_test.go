package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_NonEmptyAndUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.False(t, a.IsEmpty())
	assert.NotEqual(t, a, b)
}

func TestParseAnalysisID(t *testing.T) {
	id, err := ParseAnalysisID("0190d1c2-aaaa-7bbb-8ccc-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "0190d1c2-aaaa-7bbb-8ccc-0123456789ab", id.String())

	_, err = ParseAnalysisID("")
	require.Error(t, err)

	_, err = ParseAnalysisID("   ")
	require.Error(t, err)
}
