package vm

// selectIdentity chooses the active TLB identity from the current mode
// and virtualization state. non-V
// accesses always use HS; a V-mode hart with stage-1 translation
// enabled (vsatp.MODE != 0) uses VS1; otherwise, if stage-2 is enabled
// (hgatp.MODE != 0), it uses VS2 directly (the guest has disabled its
// own paging but the host still G-stage-translates guest-physical
// addresses, which the guest presents as its "VA").
func selectIdentity(s CSRSnapshot) Identity {
	if !s.Virtual {
		return IdentityHS
	}
	if s.Vsatp.Enabled() {
		return IdentityVS1
	}
	return IdentityVS2
}

// rootFor returns the address space and guest-offset width the walker
// should use for a given identity.
func rootFor(s CSRSnapshot, id Identity) (AddressSpace, uint) {
	switch id {
	case IdentityVS1:
		return s.Vsatp, 0
	case IdentityVS2:
		offset := uint(0)
		if s.Hgatp.Mode != ModeBare {
			offset = 2
		}
		return s.Hgatp, offset
	default:
		return s.Satp, 0
	}
}

// Miss is the orchestrator's public entry point: the host simulator
// calls this when it encounters an un-aliased virtual address. It
// returns true if the caller should retry the
// access (an alias is now installed) or false if an exception has
// already been reported and the caller must not retry. kind
// distinguishes a real access from a debug/inspection one: artifact
// misses never raise exceptions, never write A/D back, and leave only
// lazily-collected artifact entries behind.
func (v *VM) Miss(d *Domain, required Privilege, va, size uint64, kind AccessKind) bool {
	// d must actually be the virtual domain the catalog has registered
	// for the hart's current (mode, category); any other domain handed
	// to Miss — PMP, physical, or a virtual domain belonging to some
	// other mode — is non-matching per spec §4.1 step 1 and goes to
	// PMP/PMA refinement only.
	expected, isVirtual := v.catalog.classify(v.currentMode(required), v.currentCategory(required))
	if !isVirtual || expected != d {
		return v.refinePhysical(required, va, va+size-1, kind)
	}

	end := va + size - 1
	cur := va
	for cur <= end {
		e, ok := v.translateOne(required, cur, kind)
		if !ok {
			return false
		}
		if e.HighVA < cur {
			// Defensive: a degenerate walk result must still make
			// forward progress.
			return false
		}
		cur = e.HighVA + 1
		if cur == 0 {
			break // wrapped past the top of the address space
		}
	}
	return true
}

func (v *VM) currentMode(required Privilege) Mode {
	return v.host.CSRs().EffectiveMode(required)
}

func (v *VM) currentCategory(required Privilege) Category {
	if required&PrivExecute != 0 {
		return CategoryCode
	}
	return CategoryData
}

// translateOne resolves a single VA — TLB lookup, ASID-mismatch
// eviction, permission check, walk-on-miss, two-stage composition, and
// alias installation — returning the (possibly freshly composed) TLB
// entry, or false if a fault has already been reported.
func (v *VM) translateOne(required Privilege, va uint64, kind AccessKind) (*TLBEntry, bool) {
	snap := v.host.CSRs()
	identity := selectIdentity(snap)
	composite := v.composeStatus(snap)

	tlb := v.tlbs[identity]
	effMode := snap.EffectiveMode(required)

	entry := tlb.Find(va, kind)
	if entry != nil && !Equivalent(entry.ASIDMask, entry.SimASID, composite) {
		tlb.Delete(entry)
		entry = nil
	}

	if entry != nil {
		granted, ok := checkPermission(entry.Priv, entry.UBit, required, effMode, v.mxrFor(identity, snap), v.sumFor(identity, snap), identity)
		if !ok {
			if !kind.IsArtifact() {
				v.host.RaiseException(pageFaultKind(required, identity == IdentityVS2), va, nil, nil)
			}
			return nil, false
		}
		_ = granted
		// A real write against D=0 deletes the entry to force a re-walk
		// that sets D; an artifact inquiry must not evict live state.
		if required&PrivWrite != 0 && !entry.DBit && !kind.IsArtifact() {
			tlb.Delete(entry)
			entry = nil
		}
	}

	if entry == nil {
		root, offsetBits := rootFor(snap, identity)
		if root.Mode == ModeBare {
			// No translation active for this identity: identity-map a
			// single page so the caller makes forward progress.
			entry = v.installBare(identity, va, composite, kind)
		} else {
			walked, err := Walk(v.host, v.cfg, WalkParams{
				Identity:        identity,
				Mode:            root.Mode,
				Root:            root,
				VA:              va,
				Access:          required,
				EffMode:         effMode,
				Kind:            kind,
				MXR:             v.mxrFor(identity, snap),
				SUM:             v.sumFor(identity, snap),
				PMP:             v.pmp,
				GuestOffsetBits: offsetBits,
			})
			if err != nil {
				return nil, false
			}
			// Cap the cached range to the host-enforced alias maximum;
			// a superpage wider than the cap is split into cap-sized
			// windows, each re-walked on first touch. Transparent to the
			// guest.
			if max := v.cfg.MaxAliasRange; max > 0 && walked.HighVA-walked.LowVA+1 > max {
				base := va &^ (max - 1)
				walked.PA += base - walked.LowVA
				walked.LowVA = base
				walked.HighVA = base + max - 1
			}
			entry = tlb.Install(walked)
			entry.SimASID = composite
			entry.ASIDMask = asidMask(maskParams{
				identity:        identity,
				global:          entry.GBit,
				virtual:         snap.Virtual,
				userPage:        entry.UBit,
				fromSMode:       effMode == ModeSupervisor || effMode == ModeVirtualSupervisor,
				asidImplemented: v.cfg.ASIDBits > 0,
			})
		}

		if identity == IdentityVS1 && snap.Hgatp.Enabled() {
			composed, ok := v.composeTwoStage(entry, va, required, effMode, snap, kind)
			if !ok {
				return nil, false
			}
			entry = composed
		}
	}

	if kind.IsArtifact() {
		// Inspection accesses never perturb simulation state: no domain
		// alias, no PMP/PMA refinement, no exception. The artifact entry
		// stays behind for further inspection until the next real lookup
		// into its range collects it.
		return entry, true
	}
	if !v.installAlias(entry, effMode, required) {
		return nil, false
	}
	return entry, true
}

// installBare synthesizes a single-page identity-mapped entry for an
// identity whose root is Bare, so Miss always has an entry to alias.
func (v *VM) installBare(identity Identity, va uint64, composite SimASID, kind AccessKind) *TLBEntry {
	tlb := v.tlbs[identity]
	lowVA := va &^ 0xfff
	e := tlb.Install(TLBEntry{
		LowVA:    lowVA,
		HighVA:   lowVA + 0xfff,
		PA:       lowVA,
		Priv:     PrivRead | PrivWrite | PrivExecute,
		UBit:     true,
		GBit:     true,
		ABit:     true,
		DBit:     true,
		TLBID:    identity,
		Artifact: kind.IsArtifact(),
	})
	e.SimASID = composite
	e.ASIDMask = 0
	return e
}

func (v *VM) mxrFor(id Identity, snap CSRSnapshot) bool {
	if id == IdentityVS1 || id == IdentityVS2 {
		return snap.VSStatusMXR
	}
	return snap.MstatusMXR
}

func (v *VM) sumFor(id Identity, snap CSRSnapshot) bool {
	if id == IdentityVS1 || id == IdentityVS2 {
		return snap.VSStatusSUM
	}
	return snap.MstatusSUM
}

// composeTwoStage folds a stage-1 entry (VS1) with its stage-2
// translation into a single, conservatively-narrowed alias.
func (v *VM) composeTwoStage(e1 *TLBEntry, va uint64, required Privilege, effMode Mode, snap CSRSnapshot, kind AccessKind) (*TLBEntry, bool) {
	gpa := e1.Translate(va)
	vs2 := v.tlbs[IdentityVS2]

	composite := e1.SimASID
	e2 := vs2.Find(gpa, kind)
	if e2 != nil && !Equivalent(e2.ASIDMask, e2.SimASID, composite) {
		vs2.Delete(e2)
		e2 = nil
	}
	if e2 != nil {
		granted, ok := checkPermission(e2.Priv, e2.UBit, required, ModeUser, snap.VSStatusMXR, false, IdentityVS2)
		_ = granted
		if !ok {
			if !kind.IsArtifact() {
				v.host.RaiseException(pageFaultKind(required, true), va, &va, &gpa)
			}
			return nil, false
		}
		if required&PrivWrite != 0 && !e2.DBit && !kind.IsArtifact() {
			vs2.Delete(e2)
			e2 = nil
		}
	}
	if e2 == nil {
		root, offsetBits := rootFor(snap, IdentityVS2)
		walked, err := Walk(v.host, v.cfg, WalkParams{
			Identity:        IdentityVS2,
			Mode:            root.Mode,
			Root:            root,
			VA:              gpa,
			Access:          required,
			EffMode:         ModeUser,
			Kind:            kind,
			MXR:             snap.VSStatusMXR,
			PMP:             v.pmp,
			GuestOffsetBits: offsetBits,
		})
		if err != nil {
			return nil, false
		}
		e2 = vs2.Install(walked)
		e2.SimASID = composite
		e2.ASIDMask = asidMask(maskParams{
			identity:        IdentityVS2,
			global:          e2.GBit,
			virtual:         true,
			asidImplemented: v.cfg.ASIDBits > 0,
		})
	}

	// lowVA/highVA follow spec §4.2's narrowing formula:
	//   [max(e1.lo, va-(gpa-e2.lo)), min(e1.hi, va+(e2.hi-gpa))]
	// gpa is guaranteed inside [e2.lo, e2.hi], so (gpa-e2.lo) never
	// underflows, but va-(gpa-e2.lo) can go negative whenever e2's
	// covered range starts further before gpa than va is from 0 — which
	// is the common case for a small stage-1 page sitting well inside a
	// much larger stage-2 region. Computed directly in uint64 that
	// subtraction wraps instead of going negative, so it is guarded
	// explicitly rather than compared as if it were signed.
	lowVA := e1.LowVA
	if off := gpa - e2.LowVA; off <= va {
		if alt := va - off; alt > lowVA {
			lowVA = alt
		}
	}
	highVA := e1.HighVA
	if alt := va + (e2.HighVA - gpa); alt < highVA {
		highVA = alt
	}
	if cap := v.cfg.MaxAliasRange; cap > 0 && highVA-lowVA+1 > cap {
		base := va &^ (cap - 1)
		if base > lowVA {
			lowVA = base
		}
		if base+cap-1 < highVA {
			highVA = base + cap - 1
		}
	}

	pa := e2.Translate(e1.Translate(lowVA))

	composed := v.tlbs[IdentityVS1].Install(TLBEntry{
		LowVA:    lowVA,
		HighVA:   highVA,
		PA:       pa,
		Priv:     e1.Priv & e2.Priv,
		UBit:     e1.UBit,
		GBit:     e1.GBit && e2.GBit,
		ABit:     e1.ABit && e2.ABit,
		DBit:     e1.DBit && e2.DBit,
		TLBID:    IdentityVS1,
		Artifact: kind.IsArtifact(),
	})
	composed.SimASID = composite
	composed.ASIDMask = combineMasks(e1.ASIDMask, e2.ASIDMask)

	// The uncomposed stage-1-only entry is superseded by the composed
	// one at this VA; drop it so the range index stays one-entry-per-VA.
	v.tlbs[IdentityVS1].Delete(e1)

	return composed, true
}

// installAlias installs (or re-installs) entry's domain alias for the
// given mode, refining through PMP and PMA first. A refinement denial
// has already been reported as an access fault by refine; it is
// returned as false so the orchestrator does not tell the caller to
// retry an access that will never succeed.
func (v *VM) installAlias(e *TLBEntry, mode Mode, required Privilege) bool {
	bit := mappedBit(mode)
	if bit != 0 && e.Mapped&bit != 0 {
		return true // already aliased in this mode
	}

	granted, ok := v.refine(mode, required, e.PA, e.PA+e.Size()-1)
	if !ok {
		return false
	}

	v.installPMPProtection(e, mode, granted)

	cat := v.currentCategory(required)
	d := v.catalog.Domain(mode, cat)
	if d == nil {
		return true
	}
	a := d.InstallAlias(e.LowVA, e.HighVA, e.PA, granted, e)
	e.setMapped(mode, d, a)
	return true
}

// installPMPProtection overlays the PMP-granted privileges for entry's
// physical range into the catalog's PMP domain for mode (spec §4.1:
// "creates named domains and overlays protection"). It is installed
// once per entry, keyed by physical range rather than by mode, since a
// PMP region's grant does not vary across the base modes that share
// one PMP domain (§4.5: only locked regions constrain M-mode
// differently, and M-mode never reaches this path through a cached
// TLB entry — see refinePhysical).
func (v *VM) installPMPProtection(e *TLBEntry, mode Mode, granted Privilege) {
	if e.pmpAlias != nil {
		return
	}
	d := v.catalog.PMPDomain(mode)
	a := d.InstallAlias(e.PA, e.PA+e.Size()-1, e.PA, granted, e)
	e.setPMPAlias(d, a)
}

// refine runs the PMP check followed by every registered PMA callback,
// returning the narrowed grant.
func (v *VM) refine(mode Mode, required Privilege, lowPA, highPA uint64) (Privilege, bool) {
	granted, ok := v.pmp.Match(mode, required, lowPA, highPA)
	if !ok {
		v.host.RaiseException(accessFaultKind(required), lowPA, nil, nil)
		return 0, false
	}
	if required&^granted != 0 {
		v.host.RaiseException(accessFaultKind(required), lowPA, nil, nil)
		return 0, false
	}
	pmaGranted, ok := v.pma.Check(mode, required, lowPA, highPA)
	if !ok {
		v.host.RaiseException(accessFaultKind(required), lowPA, nil, nil)
		return 0, false
	}
	return granted & pmaGranted, true
}

// refinePhysical handles an access whose domain is not a virtual
// domain: it is passed to PMP/PMA refinement only, since there is no
// TLB entry to install, just a pass/fail decision.
func (v *VM) refinePhysical(required Privilege, lowPA, highPA uint64, kind AccessKind) bool {
	mode := v.host.CSRs().EffectiveMode(required)
	if kind.IsArtifact() {
		// An inspection access reports no exception, only the result.
		granted, ok := v.pmp.Match(mode, required, lowPA, highPA)
		if !ok || required&^granted != 0 {
			return false
		}
		_, ok = v.pma.Check(mode, required, lowPA, highPA)
		return ok
	}
	_, ok := v.refine(mode, required, lowPA, highPA)
	return ok
}
