package demux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterGetExact(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("10.0.0.5", 4000, "stream-a"))

	ref, ok := d.Get("10.0.0.5", 4000)
	require.True(t, ok)
	require.Equal(t, "stream-a", ref)

	_, ok = d.Get("10.0.0.6", 4000)
	require.False(t, ok)
}

func TestWildcardFallback(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("", 0, "catch-all"))

	ref, ok := d.Get("1.2.3.4", 9999)
	require.True(t, ok)
	require.Equal(t, "catch-all", ref)
}

func TestContainsIsExactNotWildcard(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("", 0, "catch-all"))

	require.True(t, d.Contains("", 0))
	require.False(t, d.Contains("1.2.3.4", 9999))
}

func TestRegisterDuplicateErrors(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("10.0.0.5", 4000, "a"))
	require.Error(t, d.Register("10.0.0.5", 4000, "b"))
}

func TestUnregisterRemoves(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("10.0.0.5", 4000, "a"))
	d.Unregister("10.0.0.5", 4000)
	_, ok := d.Get("10.0.0.5", 4000)
	require.False(t, ok)
}
