package vm

// This file is adapted from rv64/mmu.go's walkPageTable: the level
// loop, the V / R0W1 / leaf / misalignment checks, and the A/D
// writeback pattern all follow that function's shape, generalized from
// a single hard-coded Sv39/Sv48 pair to the full Sv32/Sv39/Sv48 ×
// (stage-1 | stage-2) matrix.

// pteFlags are the low 8 bits of every PTE format (Sv32/Sv39/Sv48 share
// this layout; only the PPN field width and entry byte size differ).
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7

	ptePPNShift = 10
)

// ppnWidth returns the width of the PPN field for a mode's PTE layout:
// 22 bits for the 4-byte Sv32 format, 44 bits for the 8-byte Sv39/Sv48
// format.
func ppnWidth(mode TransMode) uint {
	if mode == ModeSv32 {
		return 22
	}
	return 44
}

// WalkParams bundles everything a single page-table walk needs beyond
// the host processor and config.
type WalkParams struct {
	Identity Identity
	Mode     TransMode
	Root     AddressSpace // satp / vsatp / hgatp, already selected by the caller
	VA       uint64       // the address being translated (or, for VS2, the guest PA)
	Access   Privilege
	EffMode  Mode
	Kind     AccessKind
	MXR      bool
	SUM      bool

	// PMP, when non-nil, checks every PTE read/write against the M-mode
	// PMP domain before it reaches the host: page-table walks are
	// PMP-checked, and a denied PTE address surfaces as an access fault
	// for the original access privilege.
	PMP *PMP

	// GuestOffsetBits is 2 for the hypervisor Sv*x4 variants and 0
	// otherwise. It only ever applies to the VS2
	// identity, since only a guest-physical-address walk can be wider
	// than its base mode's ordinary VA width.
	GuestOffsetBits uint
}

// pteSide maps a TLB identity to the privilege side whose configured
// endianness governs PTE reads/writes for that walk: PTEs are read in
// the memory endianness corresponding to the translation's privilege
// side.
func (id Identity) pteSide() Mode {
	if id == IdentityVS2 {
		return ModeVirtualSupervisor
	}
	return ModeSupervisor
}

// Walk performs the recursive-descent page-table walk. It returns a
// prospective TLB entry (not yet installed into any TLB or domain) or a
// fault that has already been reported to the host via RaiseException.
func Walk(host HostProcessor, cfg Config, p WalkParams) (TLBEntry, error) {
	levels, vpnBits, pteBytes := p.Mode.levels()
	vaWidth := 12 + levels*vpnBits

	if p.Identity != IdentityVS2 && p.Mode != ModeSv32 {
		if !canonicalVA(p.VA, vaWidth) {
			logWarn("VAEXTEND", "va", p.VA, "mode", p.Mode.String())
			return TLBEntry{}, p.fault(host)
		}
	}

	rootExtra := uint64(0)
	if p.GuestOffsetBits > 0 {
		rootExtra = (p.VA >> uint(vaWidth)) & (uint64(1)<<p.GuestOffsetBits - 1)
	}
	pteAddr := (p.Root.PPN << 12) + rootExtra*4096

	side := p.Identity.pteSide()
	var pte uint64
	var level int
	var pageSize uint64 = 1 << 12
	found := false

	for level = levels - 1; level >= 0; level-- {
		vpnShift := uint(12 + level*vpnBits)
		vpnMask := uint64(1)<<uint(vpnBits) - 1
		vpn := (p.VA >> vpnShift) & vpnMask

		entryAddr := pteAddr + vpn*uint64(pteBytes)
		if !p.ptwPermitted(PrivRead, entryAddr, pteBytes) {
			logWarn("PTW read denied by PMP", "pa", entryAddr)
			return TLBEntry{}, p.accessFault(host, entryAddr)
		}
		val, ok := host.ReadPTW(entryAddr, pteBytes, side)
		if !ok {
			logWarn("PTW read failed", "pa", entryAddr)
			return TLBEntry{}, p.accessFault(host, entryAddr)
		}
		pte = val

		if pte&pteV == 0 {
			logInfo(host, "PTE not valid", "pa", entryAddr, "level", level)
			return TLBEntry{}, p.fault(host)
		}
		if pte&pteR == 0 && pte&pteW != 0 {
			logWarn("R0W1 reserved PTE encoding", "pa", entryAddr)
			return TLBEntry{}, p.fault(host)
		}

		if pte&(pteR|pteX) != 0 {
			// Leaf.
			if level > 0 {
				mask := uint64(1)<<uint(level*vpnBits) - 1
				if (pte>>ptePPNShift)&mask != 0 {
					logWarn("misaligned superpage", "pa", entryAddr, "level", level)
					return TLBEntry{}, p.fault(host)
				}
				pageSize = uint64(1) << vpnShift
			}
			found = true
			break
		}

		// Non-leaf: descend.
		ppn := (pte >> ptePPNShift) & (uint64(1)<<ppnWidth(p.Mode) - 1)
		pteAddr = ppn << 12
	}

	if !found {
		logInfo(host, "no leaf found", "va", p.VA)
		return TLBEntry{}, p.fault(host)
	}

	entryPriv := pteToPriv(pte)
	userBit := pte&pteU != 0
	_, ok := checkPermission(entryPriv, userBit, p.Access, p.EffMode, p.MXR, p.SUM, p.Identity)
	if !ok {
		logInfo(host, "PRIV denied", "va", p.VA, "access", p.Access.String(), "mode", p.EffMode.String())
		return TLBEntry{}, p.fault(host)
	}

	if !cfg.HardwareAD {
		if pte&pteA == 0 {
			logInfo(host, "A=0, hardware A/D disabled", "va", p.VA)
			return TLBEntry{}, p.fault(host)
		}
		if p.Access&PrivWrite != 0 && pte&pteD == 0 {
			logInfo(host, "D=0, hardware A/D disabled", "va", p.VA)
			return TLBEntry{}, p.fault(host)
		}
	}

	pte, wrote := p.updateAD(pte)
	if wrote {
		vpnShift := uint(12 + level*vpnBits)
		vpnMask := uint64(1)<<uint(vpnBits) - 1
		vpn := (p.VA >> vpnShift) & vpnMask
		entryAddr := pteAddr + vpn*uint64(pteBytes)
		if !p.ptwPermitted(PrivWrite, entryAddr, pteBytes) {
			logWarn("PTW writeback denied by PMP", "pa", entryAddr)
			return TLBEntry{}, p.accessFault(host, entryAddr)
		}
		if ok := host.WritePTW(entryAddr, pteBytes, pte, side); !ok {
			logWarn("PTW writeback failed", "pa", entryAddr)
			return TLBEntry{}, p.accessFault(host, entryAddr)
		}
	}

	ppn := (pte >> ptePPNShift) & (uint64(1)<<ppnWidth(p.Mode) - 1)
	if level > 0 {
		mask := uint64(1)<<uint(level*vpnBits) - 1
		vaVPNBits := (p.VA >> 12) & mask
		ppn = (ppn &^ mask) | vaVPNBits
	}
	pageOffset := p.VA & (pageSize - 1)
	pa := (ppn << 12) | pageOffset

	lowVA := p.VA &^ (pageSize - 1)
	highVA := lowVA + pageSize - 1
	lowPA := pa &^ (pageSize - 1)

	entry := TLBEntry{
		LowVA:    lowVA,
		HighVA:   highVA,
		PA:       lowPA,
		Priv:     entryPriv,
		UBit:     userBit,
		GBit:     pte&pteG != 0 || cfg.ASIDBits == 0 || p.Identity == IdentityVS2,
		ABit:     pte&pteA != 0,
		DBit:     pte&pteD != 0,
		TLBID:    p.Identity,
		Artifact: p.Kind.IsArtifact(),
	}
	return entry, nil
}

// ptwPermitted runs the M-mode PMP check for a PTE access. The walk
// itself executes as the hart's page-table walker, so only a locked
// region can constrain it.
func (p WalkParams) ptwPermitted(required Privilege, pa uint64, size int) bool {
	if p.PMP == nil {
		return true
	}
	granted, ok := p.PMP.Match(ModeMachine, required, pa, pa+uint64(size)-1)
	return ok && required&^granted == 0
}

// canonicalVA reports whether va is a correct sign-extension of its
// bit (vaWidth-1).
func canonicalVA(va uint64, vaWidth int) bool {
	signBit := (va >> uint(vaWidth-1)) & 1
	mask := ^uint64(0) << uint(vaWidth-1)
	hi := va & mask
	if signBit == 0 {
		return hi == 0
	}
	return hi == mask
}

func pteToPriv(pte uint64) Privilege {
	var p Privilege
	if pte&pteR != 0 {
		p |= PrivRead
	}
	if pte&pteW != 0 {
		p |= PrivWrite
	}
	if pte&pteX != 0 {
		p |= PrivExecute
	}
	return p
}

// updateAD performs the hardware A/D update (with hardware A/D disabled,
// Walk has already faulted on a clear A or D): if A (or, for writes,
// D) is clear, set the bit so the caller writes the PTE back, unless
// this is an artifact access, in which case the writeback is suppressed
// entirely and the installed entry simply reflects the unmodified PTE.
func (p WalkParams) updateAD(pte uint64) (newPTE uint64, wrote bool) {
	needA := pte&pteA == 0
	needD := p.Access&PrivWrite != 0 && pte&pteD == 0
	if !needA && !needD {
		return pte, false
	}
	if p.Kind.IsArtifact() {
		return pte, false
	}
	next := pte
	if needA {
		next |= pteA
	}
	if needD {
		next |= pteD
	}
	return next, next != pte
}

// fault reports a page fault of the appropriate (guest-aware) kind and
// returns it as a Go error for the caller's control flow. Artifact
// accesses suppress the RaiseException call entirely and simply return
// failure (spec §7: "Artifact accesses suppress the exception and
// simply return failure") — HostProcessor.RaiseException has no
// AccessKind parameter, so the walker is the only place that can honor
// this.
func (p WalkParams) fault(host HostProcessor) error {
	kind := pageFaultKind(p.Access, p.Identity == IdentityVS2)
	if !p.Kind.IsArtifact() {
		var gva, gpa *uint64
		if p.Identity == IdentityVS2 {
			v, g := p.VA, p.VA
			gva, gpa = &v, &g
		}
		host.RaiseException(kind, p.VA, gva, gpa)
	}
	return PageFaultError{Kind: kind, VA: p.VA}
}

func (p WalkParams) accessFault(host HostProcessor, pa uint64) error {
	kind := accessFaultKind(p.Access)
	if !p.Kind.IsArtifact() {
		host.RaiseException(kind, p.VA, nil, nil)
	}
	return AccessFaultError{Kind: kind, PA: pa, Cause: "PTW"}
}
