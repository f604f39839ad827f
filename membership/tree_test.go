package membership

import (
	"math"
	"sort"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/anarcast/anarcast/digest"
)

func addr(b0, b1, b2, b3 byte) Address { return Address{b0, b1, b2, b3} }

func TestOrderingAfterAddsAndRemoves(t *testing.T) {
	tr := New()
	addrs := []Address{addr(1, 0, 0, 1), addr(1, 0, 0, 2), addr(1, 0, 0, 3), addr(1, 0, 0, 4), addr(1, 0, 0, 5)}
	for _, a := range addrs {
		tr.Add(a)
	}
	tr.RemoveByAddress(addrs[2])
	tr.Add(addr(1, 0, 0, 6))

	order := tr.InOrder()
	hashes := make([]digest.Digest, len(order))
	for i, a := range order {
		hashes[i] = digest.Sum(a[:])
	}
	require.True(t, sort.SliceIsSorted(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) }),
		"not sorted: %s", spew.Sdump(hashes))
}

func TestBalanceInvariantUnderManyInserts(t *testing.T) {
	tr := New()
	for i := 0; i < 500; i++ {
		tr.Add(addr(byte(i>>24), byte(i>>16), byte(i>>8), byte(i)))
	}
	// AVL height bound: height <= 1.44*log2(n+2).
	maxHeight := int(math.Ceil(1.45*math.Log2(float64(tr.Len()+2)))) + 1
	require.LessOrEqual(t, tr.MaxHeight(), maxHeight)
}

func TestDuplicateAddPanics(t *testing.T) {
	tr := New()
	a := addr(10, 0, 0, 1)
	tr.Add(a)
	require.Panics(t, func() { tr.Add(a) })
}

func TestRemoveMissingPanics(t *testing.T) {
	tr := New()
	tr.Add(addr(10, 0, 0, 1))
	require.Panics(t, func() { tr.RemoveByAddress(addr(10, 0, 0, 2)) })
}

func TestRouteOnEmptyTreePanics(t *testing.T) {
	tr := New()
	require.Panics(t, func() { tr.Route(digest.Sum([]byte("x"))) })
}

func TestRoutingStability(t *testing.T) {
	tr := New()
	for i := 0; i < 20; i++ {
		tr.Add(addr(1, 2, 3, byte(i)))
	}
	h := digest.Sum([]byte("stable-key"))
	first := tr.Route(h)
	second := tr.Route(h)
	require.Equal(t, first, second)
}

func TestRoutingLocalitySuccessor(t *testing.T) {
	tr := New()
	as := []Address{addr(1, 1, 1, 1), addr(2, 2, 2, 2), addr(3, 3, 3, 3)}
	for _, a := range as {
		tr.Add(a)
	}

	type ranked struct {
		a Address
		h digest.Digest
	}
	rs := make([]ranked, len(as))
	for i, a := range as {
		rs[i] = ranked{a, digest.Sum(a[:])}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].h.Less(rs[j].h) })

	// Route exactly on the middle key returns that same server.
	require.Equal(t, rs[1].a, tr.Route(rs[1].h))
}

func TestRoutingWrapAround(t *testing.T) {
	tr := New()
	as := []Address{addr(1, 1, 1, 1), addr(2, 2, 2, 2), addr(3, 3, 3, 3)}
	for _, a := range as {
		tr.Add(a)
	}

	type ranked struct {
		a Address
		h digest.Digest
	}
	rs := make([]ranked, len(as))
	for i, a := range as {
		rs[i] = ranked{a, digest.Sum(a[:])}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].h.Less(rs[j].h) })

	maxKey := digest.Digest{}
	for i := range maxKey {
		maxKey[i] = 0xFF
	}
	require.Equal(t, rs[0].a, tr.Route(maxKey), "a hash past the maximum key must wrap to the minimum server")
}

func TestTryRemoveIsRaceSafe(t *testing.T) {
	tr := New()
	a := addr(9, 9, 9, 9)
	tr.Add(a)

	require.True(t, tr.TryRemoveByAddress(a))
	require.False(t, tr.TryRemoveByAddress(a), "second concurrent evictor should observe a no-op, not panic")
}

func TestEvictionThenReRoute(t *testing.T) {
	tr := New()
	as := []Address{addr(1, 1, 1, 1), addr(2, 2, 2, 2), addr(3, 3, 3, 3)}
	for _, a := range as {
		tr.Add(a)
	}

	h := digest.Sum([]byte("some-block-hash"))
	before := tr.Route(h)

	tr.RemoveByAddress(before)
	after := tr.Route(h)
	require.NotEqual(t, before, after)
}
