// Package hypervisor is the engine façade (spec §4.5): a process-wide
// hypervisor page table plus the bring-up sequence that brings a CPU into
// translated execution, in the mutex-guarded package-level state idiom
// bindings/c/libcc.go uses for its one-per-process library handle.
package hypervisor

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hvpt/internal/hv/dlog"
	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// Layout describes the hypervisor's own image regions, each identity-mapped
// with a fixed mode at EngineInit time: text (X), rodata (R), data (R|W).
type Layout struct {
	TextBegin, TextEnd     uint64
	RodataBegin, RodataEnd uint64
	DataBegin, DataEnd     uint64
}

func (l Layout) regions() []struct {
	begin, end uint64
	mode       pgtable.Mode
} {
	return []struct {
		begin, end uint64
		mode       pgtable.Mode
	}{
		{l.TextBegin, l.TextEnd, pgtable.ModeX},
		{l.RodataBegin, l.RodataEnd, pgtable.ModeR},
		{l.DataBegin, l.DataEnd, pgtable.ModeR | pgtable.ModeW},
	}
}

// Engine holds the single process-wide hypervisor (stage 1) page table and
// the architecture adapter it was built with. Unlike a guest's stage-2
// table, there is exactly one of these per process.
type Engine struct {
	mu     sync.Mutex
	arch   pgtable.Arch
	pt     *pgtable.PageTable
	layout Layout
}

var (
	globalMu sync.Mutex
	global   *Engine
)

// EngineInit constructs the process-wide hypervisor page table and maps
// layout's regions into it (spec §4.5 "engine_init"). It must be called
// exactly once, before any CPUInit.
func EngineInit(arch pgtable.Arch, layout Layout, pool pgtable.Pool) (*Engine, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil, fmt.Errorf("hypervisor: engine already initialised")
	}

	pt, err := pgtable.New(arch, pgtable.StageHypervisor, pool)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: engine init: %w", err)
	}

	e := &Engine{arch: arch, pt: pt, layout: layout}

	for _, r := range layout.regions() {
		if r.begin == r.end {
			continue
		}
		if err := pt.IdentityMap(r.begin, r.end, r.mode, pool); err != nil {
			return nil, fmt.Errorf("hypervisor: engine init: map [%#x, %#x): %w", r.begin, r.end, err)
		}
	}

	global = e
	dlog.Debug("hypervisor: engine initialised", "text", layout.TextEnd-layout.TextBegin,
		"rodata", layout.RodataEnd-layout.RodataBegin, "data", layout.DataEnd-layout.DataBegin)
	return e, nil
}

// CurrentEngine returns the process-wide engine, or nil if EngineInit
// hasn't run yet.
func CurrentEngine() *Engine {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// CPUInit brings a CPU into translated execution against the engine's
// hypervisor table (spec §4.5 "engine_cpu_init"). isFirstCPU distinguishes
// the boot CPU, which performs one-time bring-up, from secondaries that
// merely load an already-built table.
func (e *Engine) CPUInit(isFirstCPU bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.arch.ArchInit(pgtable.StageHypervisor, e.pt.RootAddr(), isFirstCPU) {
		return fmt.Errorf("hypervisor: cpu init: architecture bring-up failed")
	}
	return nil
}

// IdentityMap maps [begin, end) into the hypervisor's own table.
func (e *Engine) IdentityMap(begin, end uint64, mode pgtable.Mode, pool pgtable.Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pt.IdentityMap(begin, end, mode, pool)
}

// Unmap tears down [begin, end) in the hypervisor's own table.
func (e *Engine) Unmap(begin, end uint64, pool pgtable.Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pt.Unmap(begin, end, pool)
}

// UnmapRegions tears down every region in layout, e.g. after relocating the
// hypervisor's permanent mappings elsewhere.
func (e *Engine) UnmapRegions(pool pgtable.Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.layout.regions() {
		if r.begin == r.end {
			continue
		}
		if err := e.pt.Unmap(r.begin, r.end, pool); err != nil {
			return fmt.Errorf("hypervisor: unmap regions: [%#x, %#x): %w", r.begin, r.end, err)
		}
	}
	return nil
}

// CurrentLayout returns the layout EngineInit was called with.
func (e *Engine) CurrentLayout() Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layout
}

// Defrag coalesces the hypervisor's own table.
func (e *Engine) Defrag(pool pgtable.Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pt.Defrag(pool)
}

// PageTable exposes the underlying table for callers that need direct
// access beyond the subset of operations Engine wraps (e.g. cmd/hvpt-demo's
// Dump of the hypervisor table).
func (e *Engine) PageTable() *pgtable.PageTable {
	return e.pt
}

// EnableVMInvalidation flips the global stage-2 invalidation flag (spec
// §4.5 "enable_stage2_invalidation"), which must only happen once the
// system is quiesced — see pgtable.EnableStage2Invalidation.
func EnableVMInvalidation() {
	pgtable.EnableStage2Invalidation()
}
