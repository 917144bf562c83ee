// Package mpool provides Pool implementations for internal/hv/pgtable: an
// MmapPool backed by real anonymous-mmap pages (grounded on
// internal/hv/kvm's unix.Mmap-based guest memory allocator), and a FakePool
// for exercising the engine's out-of-memory paths in tests without
// touching the host's address space.
package mpool

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// entriesPerPage must match the arch in use; all callers of NewMmapPool in
// this module size it from pgtable.EntriesPerTable(arch) so a table's
// Entries slice always spans exactly one host page.
const pageSize = 4096

// MmapPool allocates backing pages with unix.Mmap, one page-table page at
// a time, and tracks them so Resolve can turn a table descriptor's output
// address back into the *pgtable.RawTable that owns it.
type MmapPool struct {
	mu             sync.Mutex
	entriesPerPage int
	byAddr         map[uint64]*pgtable.RawTable
}

// NewMmapPool constructs a pool whose pages hold entriesPerPage descriptors
// each (pgtable.EntriesPerTable(arch) for the Arch this pool backs).
func NewMmapPool(entriesPerPage int) *MmapPool {
	return &MmapPool{
		entriesPerPage: entriesPerPage,
		byAddr:         make(map[uint64]*pgtable.RawTable),
	}
}

var _ pgtable.Pool = (*MmapPool)(nil)

func (p *MmapPool) Alloc() (*pgtable.RawTable, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mpool: mmap page: %w: %w", pgtable.ErrOutOfMemory, err)
	}

	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	entries := unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), p.entriesPerPage)

	t := &pgtable.RawTable{Addr: addr, Entries: entries}

	p.mu.Lock()
	p.byAddr[addr] = t
	p.mu.Unlock()

	return t, nil
}

func (p *MmapPool) AllocPages(count int) ([]*pgtable.RawTable, error) {
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

func (p *MmapPool) Free(t *pgtable.RawTable) {
	p.mu.Lock()
	delete(p.byAddr, t.Addr)
	p.mu.Unlock()

	mem := unsafe.Slice((*byte)(unsafe.Pointer(&t.Entries[0])), pageSize)
	unix.Munmap(mem)
}

func (p *MmapPool) FreePages(ts []*pgtable.RawTable) {
	for _, t := range ts {
		p.Free(t)
	}
}

func (p *MmapPool) Resolve(addr uint64) (*pgtable.RawTable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.byAddr[addr]
	return t, ok
}
