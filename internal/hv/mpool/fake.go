package mpool

import (
	"sync"

	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// FakePool is an in-process, non-mmap Pool for tests: pages are ordinary Go
// slices, and allocation can be made to fail after a fixed number of
// successful calls, to exercise the engine's mid-update out-of-memory
// behaviour (spec §8 property 7) without exhausting real host memory.
type FakePool struct {
	mu             sync.Mutex
	entriesPerPage int
	byAddr         map[uint64]*pgtable.RawTable
	nextAddr       uint64

	// FailAfter, if non-negative, makes every Alloc call after the first
	// FailAfter successful ones return pgtable.ErrOutOfMemory. A negative
	// value (NewFakePool's default) disables the limit.
	FailAfter int64
	allocs    int64
}

// NewFakePool returns a pool with allocation failure disabled.
func NewFakePool(entriesPerPage int) *FakePool {
	return &FakePool{
		entriesPerPage: entriesPerPage,
		byAddr:         make(map[uint64]*pgtable.RawTable),
		nextAddr:       0x1000,
		FailAfter:      -1,
	}
}

var _ pgtable.Pool = (*FakePool)(nil)

func (p *FakePool) Alloc() (*pgtable.RawTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailAfter >= 0 && p.allocs >= p.FailAfter {
		return nil, pgtable.ErrOutOfMemory
	}
	p.allocs++

	addr := p.nextAddr
	p.nextAddr += uint64(p.entriesPerPage) * 8

	t := &pgtable.RawTable{Addr: addr, Entries: make([]uint64, p.entriesPerPage)}
	p.byAddr[addr] = t
	return t, nil
}

func (p *FakePool) AllocPages(count int) ([]*pgtable.RawTable, error) {
	out := make([]*pgtable.RawTable, 0, count)
	for i := 0; i < count; i++ {
		t, err := p.Alloc()
		if err != nil {
			p.FreePages(out)
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *FakePool) Free(t *pgtable.RawTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byAddr, t.Addr)
}

func (p *FakePool) FreePages(ts []*pgtable.RawTable) {
	for _, t := range ts {
		p.Free(t)
	}
}

func (p *FakePool) Resolve(addr uint64) (*pgtable.RawTable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.byAddr[addr]
	return t, ok
}

// Allocs reports the number of successful Alloc calls so far.
func (p *FakePool) Allocs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}
