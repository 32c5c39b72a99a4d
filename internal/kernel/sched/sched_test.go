package sched

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	id    int
	links Links[task]
}

func taskLinks(t *task) *Links[task] { return &t.links }

func ids(ts []*task) []int {
	out := make([]int, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.id)
	}
	return out
}

func TestBitmapHighest(t *testing.T) {
	tests := []struct {
		name  string
		prios []int
		want  int
	}{
		{"single low", []int{0}, 0},
		{"single high", []int{255}, 255},
		{"same word", []int{3, 17, 9}, 17},
		{"across words", []int{63, 64, 200, 130}, 200},
		{"boundary", []int{127, 128}, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBitmap(2)
			for _, p := range tt.prios {
				b.Set(1, p)
			}
			assert.Equal(t, tt.want, b.Highest(1))
			assert.True(t, b.Empty(0), "other domains are untouched")
		})
	}
}

func TestBitmapInvertedIndex(t *testing.T) {
	b := NewBitmap(1)
	b.Set(0, 255)
	assert.Equal(t, uint64(1)<<63, b.L2(0)[0], "highest priorities live in slot 0")
	assert.Equal(t, uint64(1)<<3, b.L1(0))

	b.Clear(0, 255)
	assert.True(t, b.Empty(0))
}

func TestBitmapClearKeepsSiblings(t *testing.T) {
	b := NewBitmap(1)
	b.Set(0, 70)
	b.Set(0, 71)
	b.Clear(0, 71)
	assert.False(t, b.Empty(0))
	assert.Equal(t, 70, b.Highest(0))
}

func TestQueueOrder(t *testing.T) {
	var q Queue[task]
	a, b, c := &task{id: 1}, &task{id: 2}, &task{id: 3}

	q.PushBack(a, taskLinks)
	q.PushBack(b, taskLinks)
	q.PushFront(c, taskLinks)
	assert.Equal(t, []int{3, 1, 2}, ids(q.Items(taskLinks)))

	q.Remove(a, taskLinks)
	assert.Equal(t, []int{3, 2}, ids(q.Items(taskLinks)))
	assert.Nil(t, a.links.Next)

	q.Remove(c, taskLinks)
	q.Remove(b, taskLinks)
	assert.True(t, q.Empty())
	assert.Nil(t, q.Tail)
}

func TestReadyEnqueueVersusAppend(t *testing.T) {
	r := NewReady[task](1, taskLinks)
	ran, fresh, last := &task{id: 1}, &task{id: 2}, &task{id: 3}

	r.Append(0, 10, ran)
	r.Enqueue(0, 10, fresh)
	r.Append(0, 10, last)

	head, prio, ok := r.Highest(0)
	require.True(t, ok)
	assert.Equal(t, 10, prio)
	assert.Equal(t, fresh, head, "a newly runnable thread goes first")
	assert.Equal(t, []int{2, 1, 3}, ids(r.Queue(0, 10).Items(taskLinks)))
	assert.NoError(t, r.Check())
}

func TestReadyCoherenceRandomised(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const domains = 3
	r := NewReady[task](domains, taskLinks)

	type place struct{ dom, prio int }
	queued := map[*task]place{}
	for i := 0; i < 2000; i++ {
		if len(queued) > 0 && rng.Intn(3) == 0 {
			for tk, pl := range queued {
				r.Dequeue(pl.dom, pl.prio, tk)
				delete(queued, tk)
				break
			}
		} else {
			tk := &task{id: i}
			pl := place{rng.Intn(domains), rng.Intn(NumPriorities)}
			if rng.Intn(2) == 0 {
				r.Enqueue(pl.dom, pl.prio, tk)
			} else {
				r.Append(pl.dom, pl.prio, tk)
			}
			queued[tk] = pl
		}
		require.NoError(t, r.Check(), "step %d", i)
	}

	for d := 0; d < domains; d++ {
		want := -1
		for _, pl := range queued {
			if pl.dom == d && pl.prio > want {
				want = pl.prio
			}
		}
		_, got, ok := r.Highest(d)
		if want < 0 {
			assert.False(t, ok)
			continue
		}
		assert.Equal(t, want, got)
	}
}

func TestReadyCheckCatchesStaleBit(t *testing.T) {
	r := NewReady[task](1, taskLinks)
	r.Bitmap().Set(0, 5)
	assert.Error(t, r.Check())
}
