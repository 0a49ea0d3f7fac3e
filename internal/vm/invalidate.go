package vm

// This file implements the invalidation entry points the host's
// sfence.vma/hfence.vvma/hfence.gvma trap handlers call, plus the
// PMP-write-triggered invalidation PMP's onRegionChanged hook routes
// here.

// invalidateRange is the shared implementation behind every
// invalidate entry point: it composes a match key from the current
// hart status with the given ASID substituted in, then hands off to
// the named TLB's range search. The current hgatp.VMID (masked to its
// implemented width, like every composite tag) is folded into the key,
// which is what gives virtual entries their
// automatic VMID-preservation behavior (§4.7) via TLB.InvalidateRange's
// per-entry ASIDMask check — no separate VMID parameter is needed here.
func (v *VM) invalidateRange(identity Identity, lo, hi uint64, mode InvalidateMode, asid uint16) {
	// ASID is first masked to the implemented width. When ASID is not
	// implemented, every entry is global (see asidMask/walker.go) and an
	// ASID-qualified invalidation would otherwise spare everything; the
	// spec requires it instead degrade to unconditional.
	if mode == InvalidateASID && v.cfg.ASIDBits == 0 {
		mode = InvalidateAny
	} else {
		asid &= uint16(v.cfg.asidMaskWidth())
	}

	key := v.composeStatus(v.host.CSRs())

	switch identity {
	case IdentityHS:
		key = (key &^ (SimASID(asidFieldMask) << simASIDHSShift)) | (SimASID(asid) << simASIDHSShift)
	case IdentityVS1:
		key = (key &^ (SimASID(asidFieldMask) << simASIDVSShift)) | (SimASID(asid) << simASIDVSShift)
	}

	v.tlbs[identity].InvalidateRange(lo, hi, mode, key, v.invalidateNotify)
}

func (v *VM) invalidateNotify(e *TLBEntry) {
	logInfo(v.host, "invalidate", "entry", e.String())
}

// fenceIdentity routes the top-level (sfence.vma-shaped) invalidation
// operations: a virtualized hart fences its own VS1 translations, a
// non-virtualized hart fences HS. The hfence forms name their target
// identity explicitly and call the identity-qualified functions below
// directly.
func (v *VM) fenceIdentity() Identity {
	if v.host.CSRs().Virtual {
		return IdentityVS1
	}
	return IdentityHS
}

// FenceAll, FenceAllASID, FenceVA, and FenceVAASID are the four
// top-level invalidation operations, routed to HS or VS1 by the current
// virtualization state. All are idempotent.
func (v *VM) FenceAll()                          { v.InvalidateAll(v.fenceIdentity()) }
func (v *VM) FenceAllASID(asid uint16)           { v.InvalidateAllASID(v.fenceIdentity(), asid) }
func (v *VM) FenceVA(va uint64)                  { v.InvalidateVA(v.fenceIdentity(), va) }
func (v *VM) FenceVAASID(va uint64, asid uint16) { v.InvalidateVAASID(v.fenceIdentity(), va, asid) }

// InvalidateAll implements the ANY-mode, whole-range form of
// invalidation (e.g. sfence.vma with rs1=x0, rs2=x0): every non-global
// and global entry in identity's TLB is dropped.
func (v *VM) InvalidateAll(identity Identity) {
	v.invalidateRange(identity, 0, ^uint64(0), InvalidateAny, 0)
}

// InvalidateVA implements the ANY-mode, single-address form (rs1!=x0,
// rs2=x0): only the entry covering va is dropped.
func (v *VM) InvalidateVA(identity Identity, va uint64) {
	v.invalidateRange(identity, va, va, InvalidateAny, 0)
}

// InvalidateAllASID implements the ASID-qualified, whole-range form
// (rs1=x0, rs2!=x0): global entries and entries tagged with a
// different ASID survive. The current hgatp.VMID folded into
// invalidateRange's key also preserves any non-global virtual entry
// tagged under a different VMID, per §4.7. Every VS2 entry is global
// (see Walk), so an ASID-qualified call on VS2 removes nothing; there is
// no VMID-qualified entry point.
func (v *VM) InvalidateAllASID(identity Identity, asid uint16) {
	v.invalidateRange(identity, 0, ^uint64(0), InvalidateASID, asid)
}

// InvalidateVAASID implements the fully-qualified form (rs1!=x0,
// rs2!=x0).
func (v *VM) InvalidateVAASID(identity Identity, va uint64, asid uint16) {
	v.invalidateRange(identity, va, va, InvalidateASID, asid)
}

// onPMPRegionChanged is PMP's onRegionChanged hook: PMP register writes
// invalidate against both the old and new region specifications. A PMP
// region's movement cannot stale a
// page-table walk result, only the protection refinement layered on
// top of it, so this clears installed aliases overlapping either the
// old or new physical range rather than deleting TLB entries outright;
// the next access re-derives the correct grant through Miss.
func (v *VM) onPMPRegionChanged(idx int, oldLo, oldHi uint64, oldActive bool, newLo, newHi uint64, newActive bool) {
	if oldActive {
		v.invalidatePMPRange(oldLo, oldHi)
	}
	if newActive {
		v.invalidatePMPRange(newLo, newHi)
	}
}

func (v *VM) invalidatePMPRange(lo, hi uint64) {
	for _, t := range v.tlbs {
		for _, e := range t.All() {
			paLow, paHigh := e.PA, e.PA+e.Size()-1
			if paHigh < lo || paLow > hi {
				continue
			}
			e.clearMapped()
		}
	}
}
