package digest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Sum([]byte("hellp")))
}

func TestLess(t *testing.T) {
	a := Digest{0x00}
	b := Digest{0x01}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestFromBytesLength(t *testing.T) {
	_, ok := FromBytes(make([]byte, Len))
	require.True(t, ok)
	_, ok = FromBytes(make([]byte, Len-1))
	require.False(t, ok)
}

func TestStringRoundTripLength(t *testing.T) {
	d := Sum([]byte("payload"))
	require.Len(t, d.String(), Len*2)
}
