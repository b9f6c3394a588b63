package network

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/busybox42/floodnet/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Neighbor that keeps a copy of everything enqueued on it.
type recorder struct {
	name   string
	msgs   []protocol.Message
	err    error
	onSend func()
}

func (r *recorder) Enqueue(msg *protocol.Message) error {
	if r.onSend != nil {
		r.onSend()
	}
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, *msg)
	return nil
}

func visited(r *Registry) map[Neighbor]int {
	seen := map[Neighbor]int{}
	r.ForEach(func(n Neighbor) { seen[n]++ })
	return seen
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := &recorder{name: "a"}

	reg.Add(a)
	reg.Add(a)

	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Contains(a))
}

func TestRegistryKeysByIdentity(t *testing.T) {
	reg := NewRegistry()
	a1 := &recorder{name: "same"}
	a2 := &recorder{name: "same"}

	reg.Add(a1)
	reg.Add(a2)

	assert.Equal(t, 2, reg.Len())
}

func TestRegistryRemoveAbsent(t *testing.T) {
	reg := NewRegistry()
	a := &recorder{name: "a"}
	reg.Remove(a)
	assert.Equal(t, 0, reg.Len())

	reg.Add(a)
	reg.Remove(a)
	reg.Remove(a)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Contains(a))
}

func TestRegistryForEachVisitsOnce(t *testing.T) {
	reg := NewRegistry()
	ns := []*recorder{{name: "a"}, {name: "b"}, {name: "c"}}
	for _, n := range ns {
		reg.Add(n)
	}

	seen := visited(reg)
	require.Len(t, seen, 3)
	for _, n := range ns {
		assert.Equal(t, 1, seen[n])
	}
}

func TestRegistryForEachToleratesRemovingCurrent(t *testing.T) {
	reg := NewRegistry()
	ns := []*recorder{{name: "a"}, {name: "b"}, {name: "c"}, {name: "d"}}
	for _, n := range ns {
		reg.Add(n)
	}

	count := 0
	reg.ForEach(func(n Neighbor) {
		count++
		reg.Remove(n)
	})

	assert.Equal(t, 4, count)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryForEachSkipsRemovedOthers(t *testing.T) {
	reg := NewRegistry()
	ns := []*recorder{{name: "a"}, {name: "b"}, {name: "c"}, {name: "d"}}
	for _, n := range ns {
		reg.Add(n)
	}

	seen := map[Neighbor]bool{}
	reg.ForEach(func(n Neighbor) {
		seen[n] = true
		// The first visited entry removes every other one.
		if len(seen) == 1 {
			for _, other := range ns {
				if Neighbor(other) != n {
					reg.Remove(other)
				}
			}
		}
	})

	assert.Len(t, seen, 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryForEachIgnoresAdditions(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&recorder{name: "a"})
	reg.Add(&recorder{name: "b"})

	count := 0
	reg.ForEach(func(Neighbor) {
		count++
		reg.Add(&recorder{name: "late"})
	})

	assert.Equal(t, 2, count)
	assert.Equal(t, 4, reg.Len())
}

// Mutations from many goroutines stay consistent when they are all
// marshalled onto one loop.
func TestRegistryStressThroughLoop(t *testing.T) {
	lp := newLoop()
	lp.start()
	defer lp.stop()

	reg := NewRegistry()
	pool := make([]*recorder, 32)
	for i := range pool {
		pool[i] = &recorder{}
	}

	const workers, ops = 8, 400
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < ops; i++ {
				n := pool[rng.Intn(len(pool))]
				switch rng.Intn(3) {
				case 0:
					lp.post(func() { reg.Add(n) })
				case 1:
					lp.post(func() { reg.Remove(n) })
				default:
					lp.post(func() {
						reg.ForEach(func(x Neighbor) {
							if x.(*recorder) == n {
								reg.Remove(x)
							}
						})
					})
				}
			}
		}(int64(w))
	}
	wg.Wait()

	var size, walked int
	require.NoError(t, lp.call(context.Background(), func() {
		size = reg.Len()
		reg.ForEach(func(Neighbor) { walked++ })
	}))
	assert.Equal(t, size, walked)
	assert.LessOrEqual(t, size, len(pool))
}
