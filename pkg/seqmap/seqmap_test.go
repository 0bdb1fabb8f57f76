package seqmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIdempotence checks that adding the same sequence number twice in
// a row reports it as already seen the second time.
func TestIdempotence(t *testing.T) {
	m := New()

	require.False(t, m.Add(100))
	require.True(t, m.Add(100))

	require.False(t, m.Add(101))
	require.True(t, m.Add(101))
}

func TestWraparoundWithinWindow(t *testing.T) {
	m := New()
	require.False(t, m.Add(65530))

	// simulate 16-bit RTP sequence wraparound: 65531..65535, then 0..10.
	for s := uint32(65531); s <= 65535; s++ {
		m.Add(s)
	}
	for s := uint32(0); s < 10; s++ {
		m.Add(s)
	}
	require.False(t, m.Add(10))
	require.True(t, m.Add(10))
}

func TestFarBehindIsDontKnow(t *testing.T) {
	m := New()
	require.False(t, m.Add(100000))
	// far below the window: "don't know" -> always reported as unseen.
	require.False(t, m.Add(1))
	require.False(t, m.Add(1))
}
