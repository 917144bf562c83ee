package pgtable

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/hvpt/internal/hv/dlog"
)

// The descriptor operations (spec §4.2). A descriptor is just one raw word
// inside some RawTable.Entries; these functions take a pointer to that slot
// plus enough context (stage, level, begin address, pool) to interpret and
// mutate it safely. Every write to a live slot goes through
// replaceDescriptor, which frees the previous value with full level context.
// The only direct assignments in this package fill a freshly allocated table
// before it is published (New, populateTable) or reset a slot whose previous
// value has already been freed (freeDescriptor, PageTable.Close).

// freeDescriptor reclaims everything owned by word at level. Absent and
// block descriptors own nothing; a table descriptor owns its child table
// and, recursively, everything beneath it.
func freeDescriptor(s stage, word uint64, level uint8, pool Pool) error {
	if !s.arch.IsTable(word, level) {
		return nil
	}
	addr := s.arch.TableAddress(word, level)
	child, ok := pool.Resolve(addr)
	if !ok {
		return fmt.Errorf("%w: level %d address %#x", ErrDanglingTable, level, addr)
	}
	for i, childWord := range child.Entries {
		if err := freeDescriptor(s, childWord, level-1, pool); err != nil {
			return err
		}
		child.Entries[i] = s.arch.AbsentDescriptor(level - 1)
	}
	pool.Free(child)
	return nil
}

// replaceDescriptor overwrites *slot with newWord, performing break-before-
// make when both the old and new values are valid: write absent, flush the
// TLB for the old entry's range, then write newWord. This prevents two CPUs
// from ever observing simultaneously-valid aliasing translations. The old
// descriptor is freed afterwards.
func replaceDescriptor(s stage, slot *uint64, newWord uint64, begin uint64, level uint8, pool Pool) error {
	old := *slot

	if s.arch.IsValid(old, level) && s.arch.IsValid(newWord, level) {
		*slot = s.arch.AbsentDescriptor(level)
		s.invalidateTLB(begin, begin+EntrySize(s.arch, level))
	}

	atomic.StoreUint64(slot, newWord)

	return freeDescriptor(s, old, level, pool)
}

// populateTable ensures *slot is a table descriptor, returning the child
// table it points to. If slot was already a table, this is a no-op. If it
// was a block, the new child is initialised with finer-grained block
// descriptors covering the same range with the same attrs (a semantically
// equivalent split). If absent, the child is initialised fully absent.
func populateTable(s stage, slot *uint64, begin uint64, level uint8, pool Pool) (*RawTable, error) {
	old := *slot

	if s.arch.IsTable(old, level) {
		addr := s.arch.TableAddress(old, level)
		child, ok := pool.Resolve(addr)
		if !ok {
			return nil, fmt.Errorf("%w: level %d address %#x", ErrDanglingTable, level, addr)
		}
		return child, nil
	}

	child, err := pool.Alloc()
	if err != nil {
		dlog.Warn("pgtable: allocation failed populating table", "level", level, "begin", begin, "error", err)
		return nil, fmt.Errorf("pgtable: populate table at level %d: %w", level, err)
	}

	childLevel := level - 1
	if s.arch.IsBlock(old, level) {
		blockAddr := s.arch.BlockAddress(old, level)
		attrs := s.arch.PTEAttrs(old, level)
		childEntrySize := EntrySize(s.arch, childLevel)
		for i := range child.Entries {
			child.Entries[i] = s.arch.BlockDescriptor(childLevel, blockAddr+uint64(i)*childEntrySize, attrs)
		}
	} else {
		absent := s.arch.AbsentDescriptor(childLevel)
		for i := range child.Entries {
			child.Entries[i] = absent
		}
	}

	// Publish the fully-initialised child before the parent can observe it:
	// a concurrent traverser reading the parent slot must never see a table
	// descriptor whose children aren't yet written. atomic.StoreUint64 in
	// replaceDescriptor provides the release side of that ordering.
	newWord := s.arch.TableDescriptor(level, child.Addr)
	if err := replaceDescriptor(s, slot, newWord, begin, level, pool); err != nil {
		return nil, err
	}

	return child, nil
}

// defragDescriptor recursively coalesces *slot, returning the slot's
// resulting attrs so parents can continue coalescing. A block or absent
// descriptor returns its own attrs directly. A table descriptor recurses
// into its children; if they share identical attrs, the table collapses
// into either absent (children uniformly absent) or a block spanning level
// (children uniformly block-equivalent and level permits blocks).
// Heterogeneous children leave the table as-is and report ok=false, so a
// parent above cannot mistakenly coalesce through it.
func defragDescriptor(s stage, slot *uint64, begin uint64, level uint8, pool Pool) (Attrs, bool) {
	word := *slot

	if s.arch.IsBlock(word, level) {
		return s.arch.PTEAttrs(word, level), true
	}
	if !s.arch.IsTable(word, level) {
		return s.arch.AbsentAttrs(), true
	}

	addr := s.arch.TableAddress(word, level)
	child, ok := pool.Resolve(addr)
	if !ok {
		return Attrs(0), false
	}

	childLevel := level - 1
	childEntrySize := EntrySize(s.arch, childLevel)

	var common Attrs
	for i := range child.Entries {
		childBegin := begin + uint64(i)*childEntrySize
		attrs, ok := defragDescriptor(s, &child.Entries[i], childBegin, childLevel, pool)
		if !ok {
			return Attrs(0), false
		}
		if i == 0 {
			common = attrs
		} else if attrs != common {
			return Attrs(0), false
		}
	}

	if common == s.arch.AbsentAttrs() {
		if err := replaceDescriptor(s, slot, s.arch.AbsentDescriptor(level), begin, level, pool); err != nil {
			return Attrs(0), false
		}
		dlog.Debug("pgtable: defrag collapsed table to absent", "level", level, "begin", begin)
		return common, true
	}

	if !s.arch.IsBlockAllowed(level) {
		return common, true
	}

	tableAttrs := s.arch.PTEAttrs(word, level)
	combined := s.arch.CombineTableAndBlockAttrs(tableAttrs, common)
	blockAddr := s.arch.BlockAddress(child.Entries[0], childLevel)
	newWord := s.arch.BlockDescriptor(level, blockAddr, combined)
	if err := replaceDescriptor(s, slot, newWord, begin, level, pool); err != nil {
		return Attrs(0), false
	}
	dlog.Debug("pgtable: defrag collapsed table to block", "level", level, "begin", begin)
	return combined, true
}
