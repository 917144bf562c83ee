// Package pgtable implements a two-stage, identity-mapping page-table
// engine: stage 1 for the hypervisor's own virtual-to-physical translation,
// stage 2 for a guest's intermediate-physical-to-physical translation. The
// recursion logic is architecture-neutral; hardware descriptor encoding is
// confined entirely to an Arch implementation (see arch.go).
package pgtable

import "fmt"

// Mode is an architecture-independent bitset describing a mapping's
// permissions and, for stage 2, its ownership state.
type Mode uint32

const (
	// ModeR grants read access.
	ModeR Mode = 1 << iota
	// ModeW grants write access.
	ModeW
	// ModeX grants execute access.
	ModeX
	// ModeD marks the mapping as device memory.
	ModeD
	// ModeInvalid marks the region as outside the VM's address space.
	ModeInvalid
	// ModeUnowned marks memory not owned by the VM.
	ModeUnowned
	// ModeShared marks memory accessible by more than one VM.
	ModeShared
)

// modeBits are the 7 bits that compose a Mode; useful for masking attrs
// extracted from a descriptor back down to a legal Mode value.
const modeBits = ModeR | ModeW | ModeX | ModeD | ModeInvalid | ModeUnowned | ModeShared

func (m Mode) String() string {
	if m&modeBits == 0 {
		return "none"
	}
	s := ""
	add := func(bit Mode, c string) {
		if m&bit != 0 {
			s += c
		}
	}
	add(ModeR, "R")
	add(ModeW, "W")
	add(ModeX, "X")
	add(ModeD, "D")
	add(ModeInvalid, "I")
	add(ModeUnowned, "U")
	add(ModeShared, "S")
	return s
}

// Flags control the map_level update algorithm.
type Flags uint8

const (
	// FlagCommit means the update actually installs leaves; without it, a
	// pass only pre-allocates intermediate tables.
	FlagCommit Flags = 1 << iota
	// FlagUnmap means the update is tearing mappings down rather than
	// installing them.
	FlagUnmap
)

// Attrs is an opaque, architecture-defined encoding of a mapping's
// permissions (and, for stage 2, ownership bits). Two Attrs values compare
// equal only if the architecture adapter considers them identical mappings.
type Attrs uint64

// StageKind selects which of the two translation regimes a page table
// belongs to.
type StageKind uint8

const (
	// StageHypervisor is stage 1: the hypervisor's own VA->PA mapping.
	StageHypervisor StageKind = iota
	// StageGuest is stage 2: a guest's IPA->PA mapping.
	StageGuest
)

func (k StageKind) String() string {
	switch k {
	case StageHypervisor:
		return "stage1"
	case StageGuest:
		return "stage2"
	default:
		return fmt.Sprintf("StageKind(%d)", uint8(k))
	}
}
