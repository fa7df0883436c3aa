package slot

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireIsIdempotentPerOwner(t *testing.T) {
	p := New(2001, 3)

	s1, err := p.Acquire("Q1")
	require.NoError(t, err)
	assert.Equal(t, Slot("2001"), s1)

	again, err := p.Acquire("Q1")
	require.NoError(t, err)
	assert.Equal(t, s1, again)
	assert.Equal(t, 1, p.Stats().Assigned)
}

func TestPool_Exhausted(t *testing.T) {
	p := New(2001, 2)
	_, err := p.Acquire("a")
	require.NoError(t, err)
	_, err = p.Acquire("b")
	require.NoError(t, err)

	_, err = p.Acquire("c")
	require.ErrorIs(t, err, ErrExhausted)

	// an existing owner still gets its slot while the pool is empty
	s, err := p.Acquire("a")
	require.NoError(t, err)
	assert.Equal(t, Slot("2001"), s)
}

func TestPool_ReleaseIsIdempotentAndOwnerChecked(t *testing.T) {
	p := New(2001, 1)
	s, _ := p.Acquire("old")
	require.True(t, p.Release(s, "old"))
	require.False(t, p.Release(s, "old"))

	s2, err := p.Acquire("new")
	require.NoError(t, err)
	require.Equal(t, s, s2)

	// a stale holder cannot free the reassigned slot
	assert.False(t, p.Release(s, "old"))
	owner, ok := p.Owner(s)
	require.True(t, ok)
	assert.Equal(t, "new", owner)
}

func TestPool_ReleasedSlotGoesToBack(t *testing.T) {
	p := New(2001, 3)
	s, _ := p.Acquire("a")
	p.Release(s, "a")

	next, _ := p.Acquire("b")
	assert.Equal(t, Slot("2002"), next)
}

func TestPool_ReleaseAll(t *testing.T) {
	p := New(2001, 4)
	for _, o := range []string{"a", "b", "c"} {
		_, err := p.Acquire(o)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.ReleaseAll())
	assert.Equal(t, Stats{Capacity: 4, Assigned: 0, Free: 4}, p.Stats())

	_, err := p.Acquire("d")
	require.NoError(t, err)
}

func TestNewWithIDs_CollapsesDuplicates(t *testing.T) {
	p := NewWithIDs([]Slot{"9", "9", "10"})
	assert.Equal(t, 2, p.Stats().Capacity)
}

// Concurrent random acquire/release never yields two live owners for one slot.
func TestPool_NoDoubleOwnership(t *testing.T) {
	p := New(2001, 5)

	var (
		mu   sync.Mutex
		held = make(map[Slot]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 500; i++ {
				owner := fmt.Sprintf("w%d-%d", w, r.Intn(4))
				s, err := p.Acquire(owner)
				if err != nil {
					continue
				}
				mu.Lock()
				if cur, ok := held[s]; ok && cur != owner {
					mu.Unlock()
					t.Errorf("slot %s held by %s and %s", s, cur, owner)
					return
				}
				held[s] = owner
				mu.Unlock()

				if r.Intn(2) == 0 {
					mu.Lock()
					delete(held, s)
					mu.Unlock()
					p.Release(s, owner)
				}
			}
		}(w)
	}
	wg.Wait()
}
