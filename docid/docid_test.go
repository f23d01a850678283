package docid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilSortsBeforeAnyGenerated(t *testing.T) {
	u := New()
	assert.True(t, Newer(u, Nil))
	assert.False(t, Newer(Nil, u))
	assert.Equal(t, 0, Compare(Nil, Nil))
}

func TestMonotonicGeneration(t *testing.T) {
	a := New()
	b := New()
	assert.True(t, Newer(b, a) || Compare(a, b) == 0)
}

func TestParseRoundTrip(t *testing.T) {
	a := New()
	b, err := Parse(a.String())
	assert.NoError(t, err)
	assert.Equal(t, 0, Compare(a, b))
}
