package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFReissueInvalidatesPrevious(t *testing.T) {
	c := NewCSRFStore()
	first, err := c.Issue("sess-1")
	require.NoError(t, err)
	assert.True(t, c.Validate("sess-1", first))

	second, err := c.Issue("sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, c.Validate("sess-1", first))
	assert.True(t, c.Validate("sess-1", second))
	assert.Equal(t, 1, c.Len())
}

func TestCSRFValidateRejects(t *testing.T) {
	c := NewCSRFStore()
	tok, _ := c.Issue("sess-1")

	assert.False(t, c.Validate("sess-2", tok), "token is bound to its session")
	assert.False(t, c.Validate("sess-1", ""))
	assert.False(t, c.Validate("sess-1", tok[:len(tok)-1]))
	assert.False(t, c.Validate("unknown", ""))

	c.Revoke("sess-1")
	assert.False(t, c.Validate("sess-1", tok))
}

func TestCSRFExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewCSRFStore(WithCSRFClock(clock.Now))
	tok, _ := c.Issue("sess-1")

	clock.Advance(DefaultCSRFTTL)
	assert.True(t, c.Validate("sess-1", tok))

	clock.Advance(time.Millisecond)
	assert.False(t, c.Validate("sess-1", tok))
	assert.Equal(t, 0, c.Len(), "expired token is evicted on validate")
}

func TestCSRFSweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCSRFStore(WithCSRFClock(clock.Now), WithCSRFTTL(10*time.Minute))
	_, _ = c.Issue("old-1")
	_, _ = c.Issue("old-2")
	clock.Advance(11 * time.Minute)
	_, _ = c.Issue("new")
	assert.Equal(t, 1, c.Len(), "issue sweeps expired tokens")

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}
