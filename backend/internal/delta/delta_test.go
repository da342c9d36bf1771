package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplace(t *testing.T) {
	d, err := Replace(5, 7, "ab")
	require.NoError(t, err)
	assert.Equal(t, Delta{
		{Kind: KindRetain, Count: 5},
		{Kind: KindDelete, Count: 2},
		{Kind: KindInsert, Text: "ab"},
	}, d)
	assert.Equal(t, 7, d.BaseLen())
}

func TestReplacePureInsertAtStart(t *testing.T) {
	d, err := Replace(0, 0, "x")
	require.NoError(t, err)
	assert.Equal(t, Delta{{Kind: KindInsert, Text: "x"}}, d)
	assert.Zero(t, d.BaseLen())
}

func TestReplaceRejectsBadRange(t *testing.T) {
	_, err := Replace(3, 1, "")
	assert.ErrorIs(t, err, ErrNegativeCount)
	_, err = Replace(-1, 0, "")
	assert.ErrorIs(t, err, ErrNegativeCount)
}
