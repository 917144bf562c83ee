// Package riscv64 implements pgtable.Arch for an Sv39-style 3-level
// descriptor format, grounded on tinyrange-cc's internal/hv/riscv/rv64
// emulator (PteV/PteR/PteW/PteX/... bit layout): a PTE is a leaf once any
// of R/W/X is set, and a pure pointer (table descriptor) otherwise. Sv39
// has no software-reserved attribute bits below the page offset, so the
// stage-2 ownership lattice (invalid/unowned/shared) is carried in the
// reserved-for-software bits 58-61, mirroring how Hafnium packs the same
// information into RISC-V's PTE software bits.
package riscv64

import "github.com/tinyrange/hvpt/internal/hv/pgtable"

const (
	pageBits  = 12
	levelBits = 9
	maxLevel  = 2 // Sv39: 3 levels, VPN[2]/VPN[1]/VPN[0]

	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7

	// Software-reserved bits (Sv39 §4.3.1), used here to carry the
	// stage-2 ownership lattice.
	pteInvalid = 1 << 58
	pteUnowned = 1 << 59
	pteShared  = 1 << 60
	pteDevice  = 1 << 61

	rwxBits = pteR | pteW | pteX
	// attrBits excludes pteA|pteD: BlockDescriptor sets those unconditionally
	// as a hardware convention (no access/dirty-fault bookkeeping here), and
	// ModeToAttrs never sets them, so they must stay out of the mask PTEAttrs
	// reads back or a round-tripped attrs value would never equal its input.
	attrBits = pteR | pteW | pteX | pteU | pteInvalid | pteUnowned | pteShared | pteDevice

	ppnShift = 10
	ppnMask  = uint64(0xfffffffffff) << ppnShift // 44-bit PPN field
)

// Arch implements pgtable.Arch for the Sv39-style descriptor format. The
// zero value is ready to use.
type Arch struct{}

var _ pgtable.Arch = Arch{}

func (Arch) PageBits() uint8  { return pageBits }
func (Arch) LevelBits() uint8 { return levelBits }

// AbsentDescriptor encodes a not-present PTE that still carries the
// default stage-2 ownership lattice in its software bits, so that
// querying an absent or torn-down range reports unowned/invalid/shared
// rather than no state at all (mirrors arm64.Arch.AbsentDescriptor).
func (Arch) AbsentDescriptor(level uint8) uint64 {
	return pteInvalid | pteUnowned | pteShared
}

func (Arch) BlockDescriptor(level uint8, address uint64, attrs pgtable.Attrs) uint64 {
	ppn := (address >> pageBits) << ppnShift
	return ppn | (uint64(attrs) & attrBits) | pteV | pteA | pteD
}

func (Arch) TableDescriptor(level uint8, childAddr uint64) uint64 {
	ppn := (childAddr >> pageBits) << ppnShift
	return ppn | pteV
}

func (Arch) IsPresent(word uint64, level uint8) bool {
	return word&pteV != 0
}

func (Arch) IsValid(word uint64, level uint8) bool {
	if word&pteV == 0 {
		return false
	}
	if word&rwxBits == 0 {
		return true // table descriptor: always a valid pointer
	}
	return word&pteInvalid == 0
}

func (Arch) IsBlock(word uint64, level uint8) bool {
	return word&pteV != 0 && word&rwxBits != 0
}

func (Arch) IsTable(word uint64, level uint8) bool {
	return word&pteV != 0 && word&rwxBits == 0
}

func outputAddress(word uint64) uint64 {
	return (word & ppnMask) >> ppnShift << pageBits
}

func (Arch) BlockAddress(word uint64, level uint8) uint64 { return outputAddress(word) }
func (Arch) TableAddress(word uint64, level uint8) uint64 { return outputAddress(word) }

func (Arch) PTEAttrs(word uint64, level uint8) pgtable.Attrs {
	return pgtable.Attrs(word & attrBits)
}

// IsBlockAllowed permits megapages/gigapages at every non-leaf level; Sv39
// hardware allows a leaf PTE at any level.
func (Arch) IsBlockAllowed(level uint8) bool {
	return level <= maxLevel
}

func (Arch) CombineTableAndBlockAttrs(tableAttrs, blockAttrs pgtable.Attrs) pgtable.Attrs {
	return blockAttrs
}

func (Arch) ModeToAttrs(stage pgtable.StageKind, mode pgtable.Mode) pgtable.Attrs {
	var a uint64 = pteU
	if mode&pgtable.ModeR != 0 {
		a |= pteR
	}
	if mode&pgtable.ModeW != 0 {
		a |= pteW
	}
	if mode&pgtable.ModeX != 0 {
		a |= pteX
	}
	if mode&pgtable.ModeD != 0 {
		a |= pteDevice
	}
	if stage == pgtable.StageGuest {
		if mode&pgtable.ModeInvalid != 0 {
			a |= pteInvalid
		}
		if mode&pgtable.ModeUnowned != 0 {
			a |= pteUnowned
		}
		if mode&pgtable.ModeShared != 0 {
			a |= pteShared
		}
	}
	return pgtable.Attrs(a)
}

func (Arch) AttrsToMode(stage pgtable.StageKind, attrs pgtable.Attrs) (pgtable.Mode, bool) {
	if stage != pgtable.StageGuest {
		return 0, false
	}
	w := uint64(attrs)
	var m pgtable.Mode
	if w&pteR != 0 {
		m |= pgtable.ModeR
	}
	if w&pteW != 0 {
		m |= pgtable.ModeW
	}
	if w&pteX != 0 {
		m |= pgtable.ModeX
	}
	if w&pteDevice != 0 {
		m |= pgtable.ModeD
	}
	if w&pteInvalid != 0 {
		m |= pgtable.ModeInvalid
	}
	if w&pteUnowned != 0 {
		m |= pgtable.ModeUnowned
	}
	if w&pteShared != 0 {
		m |= pgtable.ModeShared
	}
	return m, true
}

func (Arch) AbsentAttrs() pgtable.Attrs {
	return pgtable.Attrs(pteInvalid | pteUnowned | pteShared)
}

// InvalidateTLB models an `sfence.vma` for [begin, end) under stage; a
// no-op hook here, recordable by tests.
func (Arch) InvalidateTLB(stage pgtable.StageKind, begin, end uint64) {}

func (Arch) MaxLevel(stage pgtable.StageKind) uint8 { return maxLevel }

// RootTableCount is 1: Sv39's single root table covers the full 39-bit
// (sign-extended) address space.
func (Arch) RootTableCount(stage pgtable.StageKind) uint8 { return 1 }

// ClearPhysical masks to Sv39's 56-bit physical address space.
func (Arch) ClearPhysical(address uint64) uint64 {
	return address &^ (uint64(0xff) << 56)
}

// ArchInit would program satp (stage 1) or hgatp (stage 2) and issue an
// sfence.vma; this adapter has no hardware to program and always succeeds.
func (Arch) ArchInit(stage pgtable.StageKind, root uint64, isFirstCPU bool) bool {
	return true
}
