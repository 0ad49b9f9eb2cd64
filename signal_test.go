package feedsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualSignal(t *testing.T) {
	s := NewManualSignal(false)
	assert.False(t, s.Online())

	var got []bool
	unsub := s.Subscribe(func(online bool) { got = append(got, online) })

	s.Set(true)
	s.Set(true)
	s.Set(false)
	assert.Equal(t, []bool{true, true, false}, got, "repeats are delivered")
	assert.False(t, s.Online())

	unsub()
	s.Set(true)
	assert.Len(t, got, 3)
	assert.True(t, s.Online())
}
