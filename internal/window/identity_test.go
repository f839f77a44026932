package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityConflict(t *testing.T) {
	x := NewIdentityIndex()
	w := 10 * time.Second

	id := x.Connect("cam-1", "10.0.0.1:4000", "10.0.0.1", base, base, w)
	assert.False(t, id.Conflict)
	assert.Equal(t, 1, id.LiveOrigins)

	id = x.Connect("cam-1", "10.0.0.9:5000", "10.0.0.9", base.Add(2*time.Second), base, w)
	assert.True(t, id.Conflict)
	assert.Equal(t, "10.0.0.1:4000", id.PreviousOrigin)
	assert.Equal(t, 2, id.LiveOrigins)
}

func TestIdentityReconnectSameOrigin(t *testing.T) {
	x := NewIdentityIndex()
	w := 10 * time.Second
	x.Connect("cam-1", "10.0.0.1:4000", "10.0.0.1", base, base, w)
	id := x.Connect("cam-1", "10.0.0.1:4000", "10.0.0.1", base.Add(time.Second), base, w)
	assert.False(t, id.Conflict)
}

func TestIdentityDisconnectReleasesOrigin(t *testing.T) {
	x := NewIdentityIndex()
	w := 10 * time.Second
	x.Connect("cam-1", "10.0.0.1:4000", "10.0.0.1", base, base, w)
	x.Disconnect("cam-1", "10.0.0.1:4000", base)
	assert.Empty(t, x.LiveOrigins("cam-1"))
	id := x.Connect("cam-1", "10.0.0.2:4000", "10.0.0.2", base.Add(time.Second), base, w)
	assert.False(t, id.Conflict)
}

func TestIdentityStaleOriginExpires(t *testing.T) {
	x := NewIdentityIndex()
	w := 10 * time.Second
	x.Connect("cam-1", "10.0.0.1:4000", "10.0.0.1", base, base, w)
	id := x.Connect("cam-1", "10.0.0.2:4000", "10.0.0.2", base.Add(30*time.Second), base, w)
	assert.False(t, id.Conflict)
	assert.Equal(t, 1, id.LiveOrigins)
}

func TestIdentityMissingOrigin(t *testing.T) {
	x := NewIdentityIndex()
	id := x.Connect("cam-1", "", "", base, base, time.Second)
	assert.False(t, id.Conflict)
	assert.Zero(t, id.LiveOrigins)
}

func TestIdentityClientsOnIPAndSweep(t *testing.T) {
	x := NewIdentityIndex()
	w := time.Minute
	x.Connect("a", "10.0.0.1:1", "10.0.0.1", base, base, w)
	x.Connect("b", "10.0.0.1:2", "10.0.0.1", base, base, w)
	id := x.Connect("c", "10.0.0.1:3", "10.0.0.1", base, base.Add(time.Hour), w)
	assert.Equal(t, 3, id.ClientsOnIP)
	assert.Equal(t, 3, x.ClientsForIP("10.0.0.1"))

	assert.Equal(t, 2, x.Sweep(base.Add(time.Hour), 30*time.Minute))
	assert.Empty(t, x.LiveOrigins("a"))
	assert.Len(t, x.LiveOrigins("c"), 1)
}
