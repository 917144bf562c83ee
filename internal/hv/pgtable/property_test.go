package pgtable_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/tinyrange/hvpt/internal/hv/arch/arm64"
	"github.com/tinyrange/hvpt/internal/hv/arch/riscv64"
	"github.com/tinyrange/hvpt/internal/hv/mpool"
	"github.com/tinyrange/hvpt/internal/hv/pgtable"
)

// archUnderTest pairs an Arch with a subtest name; property tests size their
// FakePool from pgtable.EntriesPerTable(arch).
type archUnderTest struct {
	name string
	arch pgtable.Arch
}

func allArches() []archUnderTest {
	return []archUnderTest{
		{"arm64", arm64.Arch{}},
		{"riscv64", riscv64.Arch{}},
	}
}

// Property 2: idempotent map. Mapping [b, e) with mode M twice produces
// identical attrs, and the second call allocates nothing.
func TestPropertyIdempotentMap(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := pt.IdentityMap(0x1000, 0x4000, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}
			before, ok := pt.GetAttrs(0x1000, 0x4000, pool)
			if !ok {
				t.Fatalf("GetAttrs: expected success")
			}
			allocsBefore := pool.Allocs()

			if err := pt.IdentityMap(0x1000, 0x4000, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap (repeat): %v", err)
			}
			after, ok := pt.GetAttrs(0x1000, 0x4000, pool)
			if !ok {
				t.Fatalf("GetAttrs (repeat): expected success")
			}

			if before != after {
				t.Fatalf("attrs changed across idempotent map: %v -> %v", before, after)
			}
			if got := pool.Allocs(); got != allocsBefore {
				t.Fatalf("repeat map allocated %d pages, want 0", got-allocsBefore)
			}
		})
	}
}

// Property 2 (sub-range): re-mapping a strict sub-page of an already
// block-mapped range with the identical mode must also allocate nothing —
// the existing block already satisfies the narrower range, so it must not
// be split into a child table just to re-assert the same attrs.
func TestPropertyIdempotentMapSubRange(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			// The full span of one root-level entry: a single block where the
			// adapter allows blocks at that level (riscv64), otherwise a
			// table of next-level blocks (arm64).
			rootEntrySize := pgtable.EntrySize(au.arch, au.arch.MaxLevel(pgtable.StageGuest))
			if err := pt.IdentityMap(0, rootEntrySize, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}
			allocsBefore := pool.Allocs()

			subEnd := pgtable.EntrySize(au.arch, 0)
			if err := pt.IdentityMap(0, subEnd, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap (sub-range repeat): %v", err)
			}

			if got := pool.Allocs(); got != allocsBefore {
				t.Fatalf("sub-range idempotent remap allocated %d pages, want 0", got-allocsBefore)
			}
			if got, ok := pt.GetMode(0, rootEntrySize, pool); !ok || got != (pgtable.ModeR|pgtable.ModeW) {
				t.Fatalf("GetMode(0, %#x) after sub-range remap = (%s, %v), want (RW, true): block must stay intact", rootEntrySize, got, ok)
			}
		})
	}
}

// Property 3: map-then-unmap equals never-mapped for queries.
func TestPropertyUnmapReportsUnowned(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := pt.IdentityMap(0, 0x4000, pgtable.ModeR|pgtable.ModeW|pgtable.ModeX, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}
			if err := pt.Unmap(0, 0x4000, pool); err != nil {
				t.Fatalf("Unmap: %v", err)
			}

			want := pgtable.ModeUnowned | pgtable.ModeInvalid | pgtable.ModeShared
			got, ok := pt.GetMode(0, 0x4000, pool)
			if !ok {
				t.Fatalf("GetMode: expected success")
			}
			if got != want {
				t.Fatalf("GetMode after unmap = %s, want %s", got, want)
			}
		})
	}
}

// Property 4: query equality — GetMode succeeds iff every page in range
// shares one mode.
func TestPropertyQueryEquality(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			if err := pt.IdentityMap(0, 0x1000, pgtable.ModeR, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}
			if err := pt.IdentityMap(0x1000, 0x2000, pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}

			if _, ok := pt.GetMode(0, 0x2000, pool); ok {
				t.Fatalf("GetMode across heterogeneous range: expected failure")
			}
			if _, ok := pt.GetMode(0, 0x1000, pool); !ok {
				t.Fatalf("GetMode over uniform range: expected success")
			}
		})
	}
}

// Property 5 & 6: defrag neutrality and minimality.
func TestPropertyDefragNeutralAndMinimal(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			// 2 MiB is exactly one level-1 entry's span on both adapters
			// (PageBits=12, LevelBits=9), so it collapses to a single
			// block both before the split and after defrag restores it.
			if err := pt.IdentityMap(0, 0x200000, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}
			if err := pt.Unmap(0x1000, 0x2000, pool); err != nil {
				t.Fatalf("Unmap: %v", err)
			}
			if err := pt.IdentityMap(0x1000, 0x2000, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
				t.Fatalf("IdentityMap: %v", err)
			}

			before, ok := pt.GetMode(0, 0x200000, pool)
			if !ok {
				t.Fatalf("GetMode before defrag: expected success")
			}

			if err := pt.Defrag(pool); err != nil {
				t.Fatalf("Defrag: %v", err)
			}

			after, ok := pt.GetMode(0, 0x200000, pool)
			if !ok {
				t.Fatalf("GetMode after defrag: expected success")
			}
			if before != after {
				t.Fatalf("mode changed across defrag: %s -> %s", before, after)
			}

			var buf bytes.Buffer
			pt.Dump(&buf, pool)
			blockLines := bytes.Count(buf.Bytes(), []byte("block"))
			if blockLines != 1 {
				t.Fatalf("defrag minimality: dump has %d block lines, want 1:\n%s", blockLines, buf.String())
			}
		})
	}
}

// Property 7: two-pass atomicity under injected allocation failure. When
// an allocation fails partway through a mapping that requires a new
// intermediate table, no descriptor visible to a query differs from the
// pre-call state.
func TestPropertyTwoPassAtomicity(t *testing.T) {
	pool := mpool.NewFakePool(1 << testLevelBits)
	pt, err := pgtable.New(testArch{}, pgtable.StageGuest, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before, beforeOK := pt.GetMode(0, 0x1000, pool)

	// This range is smaller than the root's entry size and therefore
	// requires allocating one intermediate table; cap the pool so that
	// allocation fails.
	pool.FailAfter = pool.Allocs()

	if err := pt.IdentityMap(0, 0x1000, pgtable.ModeR, pool); err == nil {
		t.Fatalf("IdentityMap: expected allocation failure")
	}

	pool.FailAfter = -1
	after, afterOK := pt.GetMode(0, 0x1000, pool)

	if beforeOK != afterOK || before != after {
		t.Fatalf("table state changed despite allocation failure: before=(%v,%v) after=(%v,%v)", before, beforeOK, after, afterOK)
	}
}

// Property 8: break-before-make. Replacing one valid mapping with another
// valid mapping invalidates the TLB for the old entry's exact range before
// the new value is visible.
func TestPropertyBreakBeforeMake(t *testing.T) {
	pgtable.EnableStage2Invalidation()

	var invalidations []invalidation
	arch := testArch{invalidations: &invalidations}
	pool := mpool.NewFakePool(1 << testLevelBits)
	pt, err := pgtable.New(arch, pgtable.StageGuest, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First mapping: old value is absent (not valid), so no BBM is
	// expected for this call.
	if err := pt.IdentityMap(0, 0x200000, pgtable.ModeR, pool); err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}

	invalidations = nil

	// Second mapping over the same whole-entry range with a different
	// mode: both old and new values are valid block descriptors, so this
	// must be a break-before-make.
	if err := pt.IdentityMap(0, 0x200000, pgtable.ModeR|pgtable.ModeW, pool); err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}

	found := false
	for _, inv := range invalidations {
		if inv.begin == 0 && inv.end == 0x200000 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a TLB invalidation for [0, 0x200000), got %v", invalidations)
	}
}

// Property 9: root-bound rejection. GetAttrs with end beyond the root's
// total address space returns failure.
func TestPropertyRootBoundRejection(t *testing.T) {
	for _, au := range allArches() {
		t.Run(au.name, func(t *testing.T) {
			pool := mpool.NewFakePool(pgtable.EntriesPerTable(au.arch))
			pt, err := pgtable.New(au.arch, pgtable.StageGuest, pool)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			rootSpan := pgtable.EntrySize(au.arch, au.arch.MaxLevel(pgtable.StageGuest)+1)
			if _, ok := pt.GetAttrs(0, rootSpan+pgtable.EntrySize(au.arch, 0), pool); ok {
				t.Fatalf("GetAttrs beyond root bound: expected failure")
			}
		})
	}
}

// Property 1 (identity): a mapped block's output address equals its input
// address, modulo the level's entry size. Verified by inspecting Dump's
// reported address for a range that collapses to a single aligned block.
func TestPropertyIdentityOutputMatchesInput(t *testing.T) {
	pool := mpool.NewFakePool(pgtable.EntriesPerTable(arm64.Arch{}))
	pt, err := pgtable.New(arm64.Arch{}, pgtable.StageGuest, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const begin = 0x400000000 // aligned to a 2 MiB boundary
	const size = 0x200000
	if err := pt.IdentityMap(begin, begin+size, pgtable.ModeR, pool); err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}

	var buf bytes.Buffer
	pt.Dump(&buf, pool)
	want := fmt.Sprintf("%#x", begin)
	if !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("dump does not show identity output address %s:\n%s", want, buf.String())
	}
}
