package pgtable

// RawTable is one page-sized, page-aligned array of descriptors (spec §3,
// "Raw table"). The backing page is owned by whichever parent descriptor
// (or root slot) points at Addr; Pool implementations vend and reclaim
// these pages.
type RawTable struct {
	// Addr is the page's address, as embedded into a parent table
	// descriptor by Arch.TableDescriptor and recovered by
	// Arch.TableAddress.
	Addr uint64
	// Entries holds EntriesPerTable(arch) raw descriptor words.
	Entries []uint64
}

// isEmpty reports whether no descriptor in the table is present.
func (t *RawTable) isEmpty(a Arch, level uint8) bool {
	for _, w := range t.Entries {
		if a.IsPresent(w, level) {
			return false
		}
	}
	return true
}

// Pool is the external memory-pool contract (spec §6): the sole source of
// backing pages for raw tables. Implementations must be internally
// synchronised; the engine never accesses a pool concurrently from two
// goroutines on the same page table, but a process-wide pool may back
// several page tables at once.
type Pool interface {
	// Alloc returns one zeroed, page-aligned page, or ErrOutOfMemory.
	Alloc() (*RawTable, error)
	// AllocPages returns count pages, or ErrOutOfMemory if any allocation
	// fails (in which case any pages already allocated in this call are
	// returned to the pool before returning).
	AllocPages(count int) ([]*RawTable, error)
	// Free returns a page to the pool. The caller must not use t after
	// calling Free.
	Free(t *RawTable)
	// FreePages returns a set of pages to the pool.
	FreePages(ts []*RawTable)
	// Resolve maps a table descriptor's child address back to the
	// RawTable a prior Alloc/AllocPages call returned for it.
	Resolve(addr uint64) (*RawTable, bool)
}
