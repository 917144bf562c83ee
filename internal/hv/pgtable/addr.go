package pgtable

// Level-indexed address arithmetic (spec §4.2, the "Address arithmetic"
// component). All helpers are pure functions of an Arch's page geometry.

// pageSize returns the arch's page size in bytes.
func pageSize(a Arch) uint64 {
	return uint64(1) << a.PageBits()
}

// EntriesPerTable returns the number of descriptors in one raw table.
func EntriesPerTable(a Arch) int {
	return 1 << a.LevelBits()
}

// RoundDownToPage rounds addr down to a page boundary.
func RoundDownToPage(a Arch, addr uint64) uint64 {
	return addr &^ (pageSize(a) - 1)
}

// RoundUpToPage rounds addr up to a page boundary.
func RoundUpToPage(a Arch, addr uint64) uint64 {
	return RoundDownToPage(a, addr+pageSize(a)-1)
}

// EntrySize returns the size of the address range a single descriptor at
// level covers.
func EntrySize(a Arch, level uint8) uint64 {
	return uint64(1) << (uint64(a.PageBits()) + uint64(level)*uint64(a.LevelBits()))
}

// StartOfNextBlock returns the address of the start of the next block of
// blockSize bytes after addr. blockSize must be a power of two.
func StartOfNextBlock(addr, blockSize uint64) uint64 {
	return (addr + blockSize) &^ (blockSize - 1)
}

// LevelEnd returns the maximum (plus one) address representable by the same
// table entry as addr at level — i.e. the start of the next entry.
func LevelEnd(a Arch, addr uint64, level uint8) uint64 {
	offset := uint64(a.PageBits()) + uint64(level)*uint64(a.LevelBits())
	return ((addr >> offset) + 1) << offset
}

// Index returns the slot within a level-`level` table that addr falls into.
func Index(a Arch, addr uint64, level uint8) uint64 {
	v := addr >> (uint64(a.PageBits()) + uint64(level)*uint64(a.LevelBits()))
	return v & (uint64(EntriesPerTable(a)) - 1)
}
