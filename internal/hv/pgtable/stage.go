package pgtable

import "sync/atomic"

// stage2Invalidation gates stage-2 TLB invalidation (spec §3, "Stage-2
// invalidation flag"). It starts false so that early boot, before any guest
// exists, pays no invalidation cost; EnableStage2Invalidation flips it
// exactly once, on a quiesced system, per spec §4.5.
var stage2Invalidation atomic.Bool

// EnableStage2Invalidation sets the global stage-2 invalidation flag. The
// caller must ensure the system is quiesced: no concurrent page-table
// mutator may observe a torn read of this flag relative to its own
// invalidation decision.
func EnableStage2Invalidation() {
	stage2Invalidation.Store(true)
}

// Stage2InvalidationEnabled reports the current value of the global flag.
func Stage2InvalidationEnabled() bool {
	return stage2Invalidation.Load()
}

// stage bundles an Arch with the StageKind it is being used for, so that
// descriptor and raw-table code can call stage-aware operations without
// threading both values through every function signature individually.
type stage struct {
	arch Arch
	kind StageKind
}

func newStage(a Arch, kind StageKind) stage {
	return stage{arch: a, kind: kind}
}

func (s stage) maxLevel() uint8 {
	return s.arch.MaxLevel(s.kind)
}

func (s stage) rootTableCount() uint8 {
	return s.arch.RootTableCount(s.kind)
}

// invalidateTLB flushes stage's TLB for [begin, end), honouring the global
// stage-2 flag for StageGuest (spec §4.4: "stage 2 honours the global
// flag").
func (s stage) invalidateTLB(begin, end uint64) {
	if s.kind == StageGuest && !Stage2InvalidationEnabled() {
		return
	}
	s.arch.InvalidateTLB(s.kind, begin, end)
}

func (s stage) modeToAttrs(m Mode) Attrs {
	return s.arch.ModeToAttrs(s.kind, m)
}

// attrsToMode recovers a Mode from attrs. Calling this for StageHypervisor
// is a programming error (spec §3: "calling it on Hypervisor stage is a
// programming error") and panics rather than returning a zero value, so
// that the bug surfaces immediately instead of silently mis-reporting a
// mapping's permissions.
func (s stage) attrsToMode(attrs Attrs) (Mode, bool) {
	if s.kind == StageHypervisor {
		panic("pgtable: AttrsToMode is undefined for the hypervisor stage")
	}
	return s.arch.AttrsToMode(s.kind, attrs)
}
