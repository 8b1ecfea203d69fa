package gtid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare_BySequenceSegment(t *testing.T) {
	assert.Equal(t, -1, Compare("0-1-99", "0-1-100"))
	assert.Equal(t, 1, Compare("0-1-100", "0-1-99"))
	assert.Equal(t, 0, Compare("0-1-100", "0-1-100"))
}

func TestCompare_ServerIDSegmentWins(t *testing.T) {
	// higher server-id segment wins regardless of sequence segment
	assert.Equal(t, 1, Compare("0-2-1", "0-1-1000"))
	assert.Equal(t, -1, Compare("0-1-1000", "0-2-1"))
}

func TestCompare_MalformedNeverEqual(t *testing.T) {
	assert.NotEqual(t, 0, Compare("garbage", "garbage"))
	assert.NotEqual(t, 0, Compare("", ""))
	assert.Equal(t, -1, Compare("garbage", "garbage"))
	assert.Equal(t, 1, Compare("0-1-1", "not-a-gtid"), "well-formed beats malformed")
	assert.Equal(t, -1, Compare("not-a-gtid", "0-1-1"), "malformed loses to well-formed")
}

func TestLessThan(t *testing.T) {
	assert.True(t, LessThan("0-1-99", "0-1-100"))
	assert.False(t, LessThan("0-1-100", "0-1-99"))
	assert.False(t, LessThan("0-1-100", "0-1-100"))
}
