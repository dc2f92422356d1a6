// Package alloc hands out contiguous runs of integer addresses from a
// bounded space, with reuse and coalescing. One allocator serves one
// resource kind (audio buses, control buses, buffer slots).
package alloc

import (
	"sort"
	"sync"
)

// block is a maximal run of contiguous addresses sharing the same
// allocation status. Blocks below top form a doubly-linked partition
// of [0, top) with no gaps and no overlaps.
type block struct {
	start int32
	size  int32
	used  bool
	prev  *block
	next  *block
}

type Allocator struct {
	mu       sync.Mutex
	capacity int32
	top      int32             // addresses >= top are implicitly free and untracked
	tail     *block            // last tracked block, nil when top == 0
	blocks   map[int32]*block  // keyed by start address
	free     map[int32][]int32 // size -> sorted start addresses of free blocks
}

// New returns an allocator over the address space [0, capacity).
func New(capacity int32) *Allocator {
	if capacity < 0 {
		capacity = 0
	}
	return &Allocator{
		capacity: capacity,
		blocks:   make(map[int32]*block),
		free:     make(map[int32][]int32),
	}
}

// Allocate reserves n contiguous addresses and returns the first one.
// Exhaustion is a normal refusal, reported by ok == false.
//
// Preference order: an exact-size free block, the smallest free block
// that fits (split, remainder stays free), then a carve from the
// untouched tail. Ties between same-size blocks go to the lowest
// start address.
func (a *Allocator) Allocate(n int32) (addr int32, ok bool) {
	if n <= 0 {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if starts := a.free[n]; len(starts) > 0 {
		start := starts[0]
		a.freeRemove(n, start)
		a.blocks[start].used = true
		return start, true
	}

	if start, size, found := a.smallestFit(n); found {
		a.freeRemove(size, start)
		b := a.blocks[start]
		rem := &block{start: start + n, size: size - n, prev: b, next: b.next}
		if b.next != nil {
			b.next.prev = rem
		} else {
			a.tail = rem
		}
		b.next = rem
		b.size = n
		b.used = true
		a.blocks[rem.start] = rem
		a.freePush(rem.size, rem.start)
		return start, true
	}

	if a.top+n <= a.capacity {
		b := &block{start: a.top, size: n, used: true, prev: a.tail}
		if a.tail != nil {
			a.tail.next = b
		}
		a.tail = b
		a.blocks[b.start] = b
		a.top += n
		return b.start, true
	}

	return 0, false
}

// Release returns the block starting at addr to the free pool and
// coalesces it with free neighbors. Releasing an address that no
// tracked block starts at, or a block that is already free, is a
// deliberate no-op: double-frees and foreign addresses indicate a
// caller bug this layer cannot recover from, so they are swallowed
// rather than reported. Tests pin this behavior.
func (a *Allocator) Release(addr int32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[addr]
	if !ok || !b.used {
		return
	}
	b.used = false

	if p := b.prev; p != nil && !p.used {
		a.freeRemove(p.size, p.start)
		p.size += b.size
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		} else {
			a.tail = p
		}
		delete(a.blocks, b.start)
		b = p
	}

	if nx := b.next; nx != nil && !nx.used {
		a.freeRemove(nx.size, nx.start)
		b.size += nx.size
		b.next = nx.next
		if nx.next != nil {
			nx.next.prev = b
		} else {
			a.tail = b
		}
		delete(a.blocks, nx.start)
	}

	if b.next == nil {
		// The freed block reaches top: stop tracking it and retract
		// the high-water mark, making the space implicitly free again.
		delete(a.blocks, b.start)
		a.top = b.start
		a.tail = b.prev
		if b.prev != nil {
			b.prev.next = nil
		}
		return
	}

	a.freePush(b.size, b.start)
}

// Capacity returns the size of the address space.
func (a *Allocator) Capacity() int32 {
	return a.capacity
}

// InUse returns the total number of currently allocated addresses.
func (a *Allocator) InUse() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int32
	for _, b := range a.blocks {
		if b.used {
			total += b.size
		}
	}
	return total
}

// smallestFit finds the free block with the smallest size > n,
// breaking size ties by lowest start address. Linear in the number
// of distinct free sizes. Caller must hold a.mu.
func (a *Allocator) smallestFit(n int32) (start, size int32, found bool) {
	best := int32(-1)
	for sz, starts := range a.free {
		if sz > n && len(starts) > 0 && (best < 0 || sz < best) {
			best = sz
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return a.free[best][0], best, true
}

// freePush inserts start into the sorted bucket for size.
// Caller must hold a.mu.
func (a *Allocator) freePush(size, start int32) {
	starts := a.free[size]
	i := sort.Search(len(starts), func(i int) bool { return starts[i] >= start })
	starts = append(starts, 0)
	copy(starts[i+1:], starts[i:])
	starts[i] = start
	a.free[size] = starts
}

// freeRemove deletes start from the bucket for size, dropping the
// bucket when it empties. Caller must hold a.mu.
func (a *Allocator) freeRemove(size, start int32) {
	starts := a.free[size]
	i := sort.Search(len(starts), func(i int) bool { return starts[i] >= start })
	if i >= len(starts) || starts[i] != start {
		return
	}
	starts = append(starts[:i], starts[i+1:]...)
	if len(starts) == 0 {
		delete(a.free, size)
	} else {
		a.free[size] = starts
	}
}
