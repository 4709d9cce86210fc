package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcess_Majority(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
	}
	for _, c := range cases {
		p := Process{Local: 0, N: c.n}
		assert.Equal(t, c.want, p.Majority(), "N=%d", c.n)
	}
}

func TestProcess_LeaderOf(t *testing.T) {
	p := Process{Local: 1, N: 3}
	assert.Equal(t, ReplicaID(0), p.LeaderOf(0))
	assert.Equal(t, ReplicaID(1), p.LeaderOf(1))
	assert.Equal(t, ReplicaID(2), p.LeaderOf(2))
	assert.Equal(t, ReplicaID(0), p.LeaderOf(3))

	assert.False(t, p.IsLeaderOf(0))
	assert.True(t, p.IsLeaderOf(1))
	assert.False(t, p.IsLeaderOf(2))
}

func TestInstanceState_String(t *testing.T) {
	assert.Equal(t, "UNKNOWN", Unknown.String())
	assert.Equal(t, "KNOWN", Known.String())
	assert.Equal(t, "DECIDED", Decided.String())
	assert.Equal(t, "INVALID", InstanceState(99).String())
}
