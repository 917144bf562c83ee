package pgtable

import (
	"fmt"
	"io"
)

// PageTable is the per-stage root (spec §4.4, §3 "Page table (root)"): a
// contiguous run of RootTableCount(stage) raw tables. The root level is
// conceptually MaxLevel(stage)+1; its "entries" are the raw tables
// themselves, indexed by which root-table covers a given address.
type PageTable struct {
	stage stage
	Roots []*RawTable
}

// New constructs a page table for kind, allocating its root tables from
// pool and marking every descriptor absent at MaxLevel(kind).
func New(arch Arch, kind StageKind, pool Pool) (*PageTable, error) {
	s := newStage(arch, kind)

	roots, err := pool.AllocPages(int(s.rootTableCount()))
	if err != nil {
		return nil, fmt.Errorf("pgtable: allocate %s root tables: %w", kind, err)
	}

	level := s.maxLevel()
	absent := arch.AbsentDescriptor(level)
	for _, r := range roots {
		for i := range r.Entries {
			r.Entries[i] = absent
		}
	}

	return &PageTable{stage: s, Roots: roots}, nil
}

// Close recursively frees every descriptor in the table, then returns the
// root pages to pool. The PageTable must not be used afterwards.
func (pt *PageTable) Close(pool Pool) error {
	level := pt.stage.maxLevel()
	for _, r := range pt.Roots {
		for i, word := range r.Entries {
			if err := freeDescriptor(pt.stage, word, level, pool); err != nil {
				return err
			}
			r.Entries[i] = pt.stage.arch.AbsentDescriptor(level)
		}
	}
	pool.FreePages(pt.Roots)
	pt.Roots = nil
	return nil
}

// RootAddr returns the address of the first root table, suitable for
// programming into a hardware table-base register (TTBR/SATP/...) by
// Arch.ArchInit.
func (pt *PageTable) RootAddr() uint64 {
	if len(pt.Roots) == 0 {
		return 0
	}
	return pt.Roots[0].Addr
}

// rootLevel is the conceptual level of the root itself: its "entries" are
// whole raw tables, each covering entry_size(rootLevel) bytes.
func (pt *PageTable) rootLevel() uint8 {
	return pt.stage.maxLevel() + 1
}

// addressSpaceSize returns the total address range the root covers:
// RootTableCount * entry_size(root_level).
func (pt *PageTable) addressSpaceSize() uint64 {
	return uint64(len(pt.Roots)) * EntrySize(pt.stage.arch, pt.rootLevel())
}

// forEachRoot invokes fn for the sub-range of [begin, end) covered by each
// root table, skipping roots the range doesn't touch.
func (pt *PageTable) forEachRoot(begin, end uint64, fn func(root *RawTable, lo, hi uint64) error) error {
	rootSpan := EntrySize(pt.stage.arch, pt.rootLevel())
	for i, root := range pt.Roots {
		rootBegin := uint64(i) * rootSpan
		rootEnd := rootBegin + rootSpan
		lo, hi := max(begin, rootBegin), min(end, rootEnd)
		if lo >= hi {
			continue
		}
		if err := fn(root, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// identityUpdate is the shared engine behind IdentityMap and Unmap (spec
// §4.4 "identity_update"): canonicalise the range, run an uncommitted pass
// to pre-allocate every intermediate table, then a committed pass to
// install leaves, then invalidate the TLB.
func (pt *PageTable) identityUpdate(begin, end uint64, attrs Attrs, flags Flags, pool Pool) error {
	arch := pt.stage.arch

	end = RoundUpToPage(arch, end)
	if cov := pt.addressSpaceSize(); end > cov {
		end = cov
	}
	begin = arch.ClearPhysical(begin)

	if end < begin {
		return ErrInvalidRange
	}
	if begin == end {
		return nil
	}

	level := pt.stage.maxLevel()

	run := func(f Flags) error {
		return pt.forEachRoot(begin, end, func(root *RawTable, lo, hi uint64) error {
			ok, err := mapLevel(pt.stage, root, lo, hi, attrs, level, f, pool)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("pgtable: identity update [%#x, %#x) rejected", lo, hi)
			}
			return nil
		})
	}

	if err := run(flags &^ FlagCommit); err != nil {
		return err
	}
	if err := run(flags | FlagCommit); err != nil {
		return err
	}

	pt.stage.invalidateTLB(begin, end)
	return nil
}

// IdentityMap maps [begin, end) to itself with mode (spec §4.4).
func (pt *PageTable) IdentityMap(begin, end uint64, mode Mode, pool Pool) error {
	attrs := pt.stage.modeToAttrs(mode)
	return pt.identityUpdate(begin, end, attrs, 0, pool)
}

// Unmap tears down [begin, end), tagging it as unrelated-to-VM (spec §4.4).
func (pt *PageTable) Unmap(begin, end uint64, pool Pool) error {
	attrs := pt.stage.modeToAttrs(ModeUnowned | ModeInvalid | ModeShared)
	return pt.identityUpdate(begin, end, attrs, FlagUnmap, pool)
}

// GetAttrs returns the common attrs of [begin, end), or ok=false if the
// range is malformed, out of bounds, empty, or heterogeneous (spec §4.4).
func (pt *PageTable) GetAttrs(begin, end uint64, pool Pool) (Attrs, bool) {
	arch := pt.stage.arch
	begin = RoundDownToPage(arch, begin)
	end = RoundUpToPage(arch, end)

	if end < begin || begin == end {
		return Attrs(0), false
	}
	if end > pt.addressSpaceSize() {
		return Attrs(0), false
	}

	level := pt.stage.maxLevel()
	var result Attrs
	first := true

	err := pt.forEachRoot(begin, end, func(root *RawTable, lo, hi uint64) error {
		a, ok := getAttrsLevel(pt.stage, root, lo, hi, level, pool)
		if !ok {
			return ErrInvalidRange
		}
		if first {
			result, first = a, false
		} else if a != result {
			return ErrInvalidRange
		}
		return nil
	})
	if err != nil || first {
		return Attrs(0), false
	}
	return result, true
}

// GetMode returns the common Mode of [begin, end), or ok=false under the
// same conditions as GetAttrs. Only meaningful for StageGuest; see
// stage.attrsToMode.
func (pt *PageTable) GetMode(begin, end uint64, pool Pool) (Mode, bool) {
	attrs, ok := pt.GetAttrs(begin, end, pool)
	if !ok {
		return 0, false
	}
	return pt.stage.attrsToMode(attrs)
}

// Defrag coalesces sub-trees into coarser block descriptors wherever every
// leaf beneath them shares identical attrs and the level allows blocks
// (spec §4.4). A sub-tree with non-uniform attrs simply isn't coalesced;
// that is the ordinary outcome for most entries, not a failure, so Defrag
// visits every entry regardless of what its siblings resolved to and
// never fails on their account. It returns an error only reflecting the
// Table/Engine-level convention that mutating operations can fail.
func (pt *PageTable) Defrag(pool Pool) error {
	level := pt.stage.maxLevel()
	rootSpan := EntrySize(pt.stage.arch, pt.rootLevel())
	entrySize := EntrySize(pt.stage.arch, level)

	for i, root := range pt.Roots {
		rootBegin := uint64(i) * rootSpan
		for j := range root.Entries {
			begin := rootBegin + uint64(j)*entrySize
			defragDescriptor(pt.stage, &root.Entries[j], begin, level, pool)
		}
	}
	return nil
}

// Dump writes the table's shape to w (spec §4.4).
func (pt *PageTable) Dump(w io.Writer, pool Pool) {
	level := pt.stage.maxLevel()
	for i, root := range pt.Roots {
		fmt.Fprintf(w, "root[%d] @ %#x:\n", i, root.Addr)
		dumpTable(pt.stage, root, level, level, w, pool)
	}
}
