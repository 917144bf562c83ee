// Package hvpt is the external boundary of the page-table engine: plain Go
// functions over an opaque *Table handle, shaped after the C-ABI function
// table a real hypervisor would expose across its host/guest boundary, but
// without crossing an actual cgo boundary — there is no C caller here, only
// the shape of that contract.
package hvpt

import (
	"fmt"
	"io"

	"github.com/tinyrange/hvpt/internal/hv/hypervisor"
	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// Mode re-exports pgtable.Mode so callers never need to import the
// internal package directly.
type Mode = pgtable.Mode

const (
	ModeR       = pgtable.ModeR
	ModeW       = pgtable.ModeW
	ModeX       = pgtable.ModeX
	ModeD       = pgtable.ModeD
	ModeInvalid = pgtable.ModeInvalid
	ModeUnowned = pgtable.ModeUnowned
	ModeShared  = pgtable.ModeShared
)

// Table is a guest's stage-2 page table (spec §6 "vm_table_*").
type Table struct {
	pt *pgtable.PageTable
}

// NewTable constructs a guest stage-2 table (vm_table_init).
func NewTable(arch pgtable.Arch, pool pgtable.Pool) (*Table, error) {
	pt, err := pgtable.New(arch, pgtable.StageGuest, pool)
	if err != nil {
		return nil, fmt.Errorf("hvpt: new table: %w", err)
	}
	return &Table{pt: pt}, nil
}

// Close tears the table down and returns its pages to pool
// (vm_table_fini).
func (t *Table) Close(pool pgtable.Pool) error {
	return t.pt.Close(pool)
}

// IdentityMap maps [begin, end) to itself with mode (vm_identity_map).
// The returned address is begin itself, since this engine only ever
// performs identity mappings; it is returned regardless so callers written
// against the spec's vm_identity_map(ipa_out) contract have a value to
// consume.
func (t *Table) IdentityMap(begin, end uint64, mode Mode, pool pgtable.Pool) (uint64, error) {
	if err := t.pt.IdentityMap(begin, end, mode, pool); err != nil {
		return 0, fmt.Errorf("hvpt: identity map: %w", err)
	}
	return begin, nil
}

// Unmap tears down [begin, end) (vm_unmap).
func (t *Table) Unmap(begin, end uint64, pool pgtable.Pool) error {
	if err := t.pt.Unmap(begin, end, pool); err != nil {
		return fmt.Errorf("hvpt: unmap: %w", err)
	}
	return nil
}

// UnmapHypervisorRegions removes the hypervisor's own image regions from
// this guest's stage-2 table, if they were ever mapped into it
// (vm_unmap_hypervisor).
func (t *Table) UnmapHypervisorRegions(pool pgtable.Pool) error {
	e := hypervisor.CurrentEngine()
	if e == nil {
		return fmt.Errorf("hvpt: unmap hypervisor regions: engine not initialised")
	}
	layout := e.CurrentLayout()
	for _, r := range []struct{ begin, end uint64 }{
		{layout.TextBegin, layout.TextEnd},
		{layout.RodataBegin, layout.RodataEnd},
		{layout.DataBegin, layout.DataEnd},
	} {
		if r.begin == r.end {
			continue
		}
		if err := t.pt.Unmap(r.begin, r.end, pool); err != nil {
			return fmt.Errorf("hvpt: unmap hypervisor regions: %w", err)
		}
	}
	return nil
}

// Dump writes the table's shape to w (vm_dump).
func (t *Table) Dump(w io.Writer, pool pgtable.Pool) {
	t.pt.Dump(w, pool)
}

// Defrag coalesces the table (vm_defrag).
func (t *Table) Defrag(pool pgtable.Pool) error {
	if err := t.pt.Defrag(pool); err != nil {
		return fmt.Errorf("hvpt: defrag: %w", err)
	}
	return nil
}

// GetMode reports the common Mode of [begin, end) (vm_get_mode).
func (t *Table) GetMode(begin, end uint64, pool pgtable.Pool) (Mode, bool) {
	return t.pt.GetMode(begin, end, pool)
}

// HypervisorIdentityMap maps [begin, end) into the process-wide
// hypervisor table (hypervisor_identity_map).
func HypervisorIdentityMap(begin, end uint64, mode Mode, pool pgtable.Pool) (uint64, error) {
	e := hypervisor.CurrentEngine()
	if e == nil {
		return 0, fmt.Errorf("hvpt: hypervisor identity map: engine not initialised")
	}
	if err := e.IdentityMap(begin, end, mode, pool); err != nil {
		return 0, fmt.Errorf("hvpt: hypervisor identity map: %w", err)
	}
	return begin, nil
}

// HypervisorUnmap tears down [begin, end) in the process-wide hypervisor
// table (hypervisor_unmap).
func HypervisorUnmap(begin, end uint64, pool pgtable.Pool) error {
	e := hypervisor.CurrentEngine()
	if e == nil {
		return fmt.Errorf("hvpt: hypervisor unmap: engine not initialised")
	}
	if err := e.Unmap(begin, end, pool); err != nil {
		return fmt.Errorf("hvpt: hypervisor unmap: %w", err)
	}
	return nil
}

// EngineInit brings up the process-wide hypervisor table (engine_init).
func EngineInit(arch pgtable.Arch, layout hypervisor.Layout, pool pgtable.Pool) error {
	_, err := hypervisor.EngineInit(arch, layout, pool)
	if err != nil {
		return fmt.Errorf("hvpt: engine init: %w", err)
	}
	return nil
}

// CPUInit brings the calling CPU into translated execution (cpu_init).
// isFirstCPU must be true for exactly one caller, the boot CPU.
func CPUInit(isFirstCPU bool) error {
	e := hypervisor.CurrentEngine()
	if e == nil {
		return fmt.Errorf("hvpt: cpu init: engine not initialised")
	}
	return e.CPUInit(isFirstCPU)
}

// Defrag coalesces the process-wide hypervisor table (defrag).
func Defrag(pool pgtable.Pool) error {
	e := hypervisor.CurrentEngine()
	if e == nil {
		return fmt.Errorf("hvpt: defrag: engine not initialised")
	}
	return e.Defrag(pool)
}

// EnableVMInvalidation flips on stage-2 TLB invalidation globally
// (enable_vm_invalidation). The caller must ensure the system is quiesced.
func EnableVMInvalidation() {
	hypervisor.EnableVMInvalidation()
}
