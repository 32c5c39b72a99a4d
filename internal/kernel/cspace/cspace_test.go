package cspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel/caps"
)

// order walks the list from head and returns the handles in order.
func order(t *testing.T, a *Arena, head SlotHandle) []SlotHandle {
	t.Helper()
	var out []SlotHandle
	for cur := head; !cur.IsNil(); {
		out = append(out, cur)
		e, err := a.Get(cur)
		require.NoError(t, err)
		cur = e.MDB.Next
		require.Less(t, len(out), 64, "list cycle")
	}
	return out
}

func chain(t *testing.T, a *Arena, n int) []SlotHandle {
	t.Helper()
	hs := a.AllocN(n)
	root, err := a.Get(hs[0])
	require.NoError(t, err)
	root.Cap = caps.Untyped{Ptr: 0x10000, BlockSize: 16}
	for i := 1; i < n; i++ {
		require.NoError(t, a.InsertAfter(hs[i-1], hs[i], caps.Thread{Ptr: 0x10000 + uint64(i)<<11}, false, false))
	}
	return hs
}

func TestArenaGenerations(t *testing.T) {
	a := NewArena()
	h := a.Alloc()
	require.True(t, a.Valid(h))
	assert.Equal(t, 1, a.Len())

	require.NoError(t, a.Free(h))
	assert.False(t, a.Valid(h))
	_, err := a.Get(h)
	assert.ErrorIs(t, err, ErrStaleHandle)

	h2 := a.Alloc()
	assert.Equal(t, h.Index(), h2.Index(), "index is reused")
	assert.NotEqual(t, h.Gen(), h2.Gen())
	assert.Nil(t, a.Lookup(h), "old handle stays stale after reuse")

	_, err = a.Get(Nil)
	assert.ErrorIs(t, err, ErrNilHandle)
}

func TestFreeRejectsLiveSlot(t *testing.T) {
	a := NewArena()
	hs := chain(t, a, 2)

	assert.ErrorIs(t, a.Free(hs[1]), ErrSlotInUse)
	require.NoError(t, a.Unlink(hs[1]))
	assert.NoError(t, a.Free(hs[1]))
}

func TestInsertAfter(t *testing.T) {
	a := NewArena()
	hs := chain(t, a, 3)
	extra := a.Alloc()

	require.NoError(t, a.InsertAfter(hs[0], extra, caps.Endpoint{Ptr: 0x10010}, true, true))
	assert.Equal(t, []SlotHandle{hs[0], extra, hs[1], hs[2]}, order(t, a, hs[0]))
	assert.NoError(t, a.Check())

	e := a.Lookup(extra)
	assert.True(t, e.MDB.Revocable)
	assert.True(t, e.MDB.FirstBadged)
}

func TestMove(t *testing.T) {
	a := NewArena()
	hs := chain(t, a, 3)
	dest := a.Alloc()

	moved := a.Lookup(hs[1]).Cap
	require.NoError(t, a.Move(moved, hs[1], dest))

	assert.Equal(t, []SlotHandle{hs[0], dest, hs[2]}, order(t, a, hs[0]))
	assert.True(t, a.Lookup(hs[1]).IsEmpty())
	assert.Equal(t, moved, a.Lookup(dest).Cap)
	assert.NoError(t, a.Check())
}

func TestSwap(t *testing.T) {
	tests := []struct {
		name   string
		i, j   int
		expect []int
	}{
		{"adjacent forward", 1, 2, []int{0, 2, 1, 3}},
		{"adjacent backward", 2, 1, []int{0, 2, 1, 3}},
		{"apart", 0, 3, []int{3, 1, 2, 0}},
		{"head and tail neighbours", 0, 1, []int{1, 0, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArena()
			hs := chain(t, a, 4)
			ci, cj := a.Lookup(hs[tt.i]).Cap, a.Lookup(hs[tt.j]).Cap

			require.NoError(t, a.Swap(ci, hs[tt.i], cj, hs[tt.j]))
			require.NoError(t, a.Check())

			head := hs[tt.expect[0]]
			var want []SlotHandle
			for _, k := range tt.expect {
				want = append(want, hs[k])
			}
			assert.Equal(t, want, order(t, a, head))
			assert.Equal(t, ci, a.Lookup(hs[tt.j]).Cap)
			assert.Equal(t, cj, a.Lookup(hs[tt.i]).Cap)
		})
	}
}

func TestUnlinkPassesFirstBadged(t *testing.T) {
	a := NewArena()
	hs := a.AllocN(3)
	a.Lookup(hs[0]).Cap = caps.Endpoint{Ptr: 0x20}
	require.NoError(t, a.InsertAfter(hs[0], hs[1], caps.Endpoint{Ptr: 0x20, Badge: 1}, true, true))
	require.NoError(t, a.InsertAfter(hs[1], hs[2], caps.Endpoint{Ptr: 0x20, Badge: 1}, false, false))

	require.NoError(t, a.Unlink(hs[1]))
	assert.True(t, a.Lookup(hs[2]).MDB.FirstBadged)
	assert.Equal(t, []SlotHandle{hs[0], hs[2]}, order(t, a, hs[0]))
	assert.NoError(t, a.Check())
}

func TestIsMDBParentOf(t *testing.T) {
	mk := func(c caps.Cap, revocable, firstBadged bool) *CTE {
		return &CTE{Cap: c, MDB: MDBNode{Revocable: revocable, FirstBadged: firstBadged}}
	}
	tests := []struct {
		name string
		a, b *CTE
		want bool
	}{
		{"untyped over thread", mk(caps.Untyped{Ptr: 0, BlockSize: 16}, true, false), mk(caps.Thread{Ptr: 0x800}, false, false), true},
		{"not revocable", mk(caps.Untyped{Ptr: 0, BlockSize: 16}, false, false), mk(caps.Thread{Ptr: 0x800}, false, false), false},
		{"unbadged endpoint parents all", mk(caps.Endpoint{Ptr: 0x10}, true, false), mk(caps.Endpoint{Ptr: 0x10, Badge: 4}, true, true), true},
		{"badged endpoint parents copy", mk(caps.Endpoint{Ptr: 0x10, Badge: 4}, true, true), mk(caps.Endpoint{Ptr: 0x10, Badge: 4}, false, false), true},
		{"badged endpoint stops at next badge", mk(caps.Endpoint{Ptr: 0x10, Badge: 4}, true, true), mk(caps.Endpoint{Ptr: 0x10, Badge: 4}, true, true), false},
		{"different badge", mk(caps.Notification{Ptr: 0x10, Badge: 4}, true, true), mk(caps.Notification{Ptr: 0x10, Badge: 5}, true, true), false},
		{"different object", mk(caps.Endpoint{Ptr: 0x10}, true, false), mk(caps.Endpoint{Ptr: 0x20}, false, false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMDBParentOf(tt.a, tt.b))
		})
	}
}

func TestDescendantsAndFirstChild(t *testing.T) {
	a := NewArena()
	hs := a.AllocN(4)
	a.Lookup(hs[0]).Cap = caps.Untyped{Ptr: 0, BlockSize: 16}
	a.Lookup(hs[0]).MDB.Revocable = true
	require.NoError(t, a.InsertAfter(hs[0], hs[1], caps.Thread{Ptr: 0x800}, false, false))
	require.NoError(t, a.InsertAfter(hs[1], hs[2], caps.Thread{Ptr: 0x800}, false, false))
	require.NoError(t, a.InsertAfter(hs[2], hs[3], caps.Endpoint{Ptr: 0x20000}, false, false))

	child, ok := a.FirstChild(hs[0])
	require.True(t, ok)
	assert.Equal(t, hs[1], child)
	assert.Equal(t, []SlotHandle{hs[1], hs[2]}, a.Descendants(hs[0]))

	_, ok = a.FirstChild(hs[1])
	assert.False(t, ok)
}

func TestCheckDetectsBrokenLink(t *testing.T) {
	a := NewArena()
	hs := chain(t, a, 3)
	a.Lookup(hs[2]).MDB.Prev = hs[0]

	assert.Error(t, a.Check())
}
