package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashVoterIdentity(t *testing.T) {
	a := New()

	h1 := a.HashVoterIdentity("e-1", "voter-42")
	h2 := a.HashVoterIdentity("e-1", "voter-42")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "voter-42")
}

func TestHashScopedByElection(t *testing.T) {
	a := New()

	// the same voter must be unlinkable across elections
	assert.NotEqual(t,
		a.HashVoterIdentity("e-1", "voter-42"),
		a.HashVoterIdentity("e-2", "voter-42"),
	)
}

func TestHashBoundaryUnambiguous(t *testing.T) {
	a := New()

	// (e-1, 2voter) and (e-12, voter) must not collide
	assert.NotEqual(t,
		a.HashVoterIdentity("e-1", "2voter"),
		a.HashVoterIdentity("e-12", "voter"),
	)
}

func TestSameIdentity(t *testing.T) {
	a := New()
	h := a.HashVoterIdentity("e-1", "voter-42")
	assert.True(t, a.SameIdentity(h, a.HashVoterIdentity("e-1", "voter-42")))
	assert.False(t, a.SameIdentity(h, a.HashVoterIdentity("e-1", "voter-43")))
}
