package vm

// PMP implements the Physical Memory Protection region matcher: a
// sorted, priority-ordered set of up to N regions that resolves a
// physical address range to a permitted-privileges triple.
type PMP struct {
	entries  []PMPEntry
	grain    uint8 // G: the implementation's configured grain
	addrBits uint8 // external physical address width in bits

	// onRegionChanged, when set, is invoked with the old and new bounds
	// of entries[i] before and after every config/address write so the
	// invalidation engine can drop stale protection on both the old and
	// new region.
	onRegionChanged func(idx int, oldLo, oldHi uint64, oldActive bool, newLo, newHi uint64, newActive bool)
}

// NewPMP creates an n-entry PMP with the given grain and physical
// address width.
func NewPMP(n int, grain, addrBits uint8) *PMP {
	return &PMP{entries: make([]PMPEntry, n), grain: grain, addrBits: addrBits}
}

func (p *PMP) Count() int { return len(p.entries) }

// effectiveAddr returns pmpaddr[i] with the grain's masking applied:
// NAPOT forces the low G-1 bits to read as 1 (when G>=2); OFF/TOR force
// the low G bits to read as 0. Both the region decode (bounds) and the
// CSR read path (ReadAddr) go through this, so matching and readback
// always agree on the grain-forced address.
func (p *PMP) effectiveAddr(i int) uint64 {
	e := p.entries[i]
	v := e.Addr
	if e.Mode == PMPNAPOT && p.grain >= 2 {
		v |= (uint64(1) << (p.grain - 1)) - 1
	} else if (e.Mode == PMPOff || e.Mode == PMPTOR) && p.grain >= 1 {
		v &^= (uint64(1) << p.grain) - 1
	}
	return v & p.addrMask()
}

// bounds computes [lo, hi] and whether the region at i is active,
// following the per-mode decode table for OFF/TOR/NA4/NAPOT. All
// address fields are decoded through effectiveAddr, including the
// previous entry's for a TOR low bound.
func (p *PMP) bounds(i int) (lo, hi uint64, active bool) {
	e := p.entries[i]
	switch e.Mode {
	case PMPOff:
		return 0, 0, false
	case PMPTOR:
		lo = 0
		if i > 0 {
			lo = p.effectiveAddr(i-1) << 2
		}
		hi = (p.effectiveAddr(i) << 2) - 1
		if hi < lo {
			return 0, 0, false
		}
		return lo, hi, true
	case PMPNA4:
		lo = p.effectiveAddr(i) << 2
		return lo, lo + 3, true
	case PMPNAPOT:
		addr := p.effectiveAddr(i)
		t := trailingOnes(addr)
		size := uint64(1) << (t + 3)
		base := (addr &^ ((uint64(1) << (t + 1)) - 1)) << 2
		return base, base + size - 1, true
	default:
		return 0, 0, false
	}
}

// trailingOnes counts consecutive set bits starting at bit 0.
func trailingOnes(v uint64) uint {
	var t uint
	for v&1 != 0 {
		t++
		v >>= 1
	}
	return t
}

// Match resolves [lowPA, highPA] against the configured regions. The
// first (lowest-index) region whose bounds cover the full footprint
// wins: regions are searched in increasing index order for the first
// match. An access footprint straddling a region boundary, or falling
// entirely outside every active region, is denied for non-M modes.
//
// M-mode bypasses a region's priv field unless that region is locked;
// locked regions constrain M-mode exactly like any other mode. When no
// configured region covers the footprint at all, M-mode still succeeds
// with full RWX — mapPMP in the original implementation
// (riscvVM.c) initializes priv to MEM_PRIV_RWX for M-mode and
// MEM_PRIV_NONE otherwise before scanning, so an unmatched M-mode
// access keeps that default instead of being denied.
func (p *PMP) Match(mode Mode, required Privilege, lowPA, highPA uint64) (granted Privilege, matched bool) {
	for i := range p.entries {
		lo, hi, active := p.bounds(i)
		if !active {
			continue
		}
		if lowPA < lo || highPA > hi {
			continue
		}
		e := p.entries[i]
		if mode == ModeMachine && !e.Locked {
			return PrivRead | PrivWrite | PrivExecute, true
		}
		return e.Priv, true
	}
	if mode == ModeMachine {
		return PrivRead | PrivWrite | PrivExecute, true
	}
	return 0, false
}

// ReadCfg returns the raw config byte for entries[i]: priv (R,W,X) in
// bits 0-2, mode in bits 3-4, L in bit 7.
func (p *PMP) ReadCfg(i int) byte {
	e := p.entries[i]
	var b byte
	if e.Priv&PrivRead != 0 {
		b |= 1 << 0
	}
	if e.Priv&PrivWrite != 0 {
		b |= 1 << 1
	}
	if e.Priv&PrivExecute != 0 {
		b |= 1 << 2
	}
	b |= byte(e.Mode) << 3
	if e.Locked {
		b |= 1 << 7
	}
	return b
}

// WriteCfg writes entries[i]'s config byte, honoring the sticky lock (a
// config byte is writable only if its own L=0) and the grain rule: when
// G>=1, NA4 is unselectable and writes silently fold to the previous
// mode.
func (p *PMP) WriteCfg(i int, v byte) {
	old := p.entries[i]
	if old.Locked {
		return
	}

	next := PMPEntry{
		Priv:   decodePriv(v),
		Mode:   PMPMode((v >> 3) & 0x3),
		Locked: v&(1<<7) != 0,
		Addr:   old.Addr,
	}
	if next.Mode == PMPNA4 && p.grain >= 1 {
		next.Mode = old.Mode
	}

	p.applyChange(i, func() { p.entries[i] = next })
}

func decodePriv(v byte) Privilege {
	var priv Privilege
	if v&(1<<0) != 0 {
		priv |= PrivRead
	}
	if v&(1<<1) != 0 {
		priv |= PrivWrite
	}
	if v&(1<<2) != 0 {
		priv |= PrivExecute
	}
	return priv
}

// ReadAddr returns pmpaddr[i] as the hardware would present it, i.e.
// the same grain-forced value the region decode matches against.
func (p *PMP) ReadAddr(i int) uint64 {
	return p.effectiveAddr(i)
}

func (p *PMP) addrMask() uint64 {
	if p.addrBits == 0 || p.addrBits >= 64+2 {
		return ^uint64(0)
	}
	return (uint64(1) << (p.addrBits - 2)) - 1
}

// WriteAddr writes pmpaddr[i]. A pmpaddr is writable only if neither its
// own entry nor the immediately-following entry — when that next entry
// is a locked TOR region — is locked.
func (p *PMP) WriteAddr(i int, v uint64) {
	e := p.entries[i]
	if e.Locked {
		return
	}
	if i+1 < len(p.entries) {
		next := p.entries[i+1]
		if next.Locked && next.Mode == PMPTOR {
			return
		}
	}

	v &= p.addrMask()
	p.applyChange(i, func() { p.entries[i].Addr = v })
}

// applyChange captures old bounds, performs mutate, captures new bounds,
// and notifies onRegionChanged with both — this is what lets the
// invalidation engine drop exactly the protection that changed.
func (p *PMP) applyChange(i int, mutate func()) {
	oldLo, oldHi, oldActive := p.bounds(i)
	mutate()
	newLo, newHi, newActive := p.bounds(i)
	if p.onRegionChanged != nil {
		p.onRegionChanged(i, oldLo, oldHi, oldActive, newLo, newHi, newActive)
	}
}

// ResetAll clears every region (including sticky locks) to the
// power-on state.
func (p *PMP) ResetAll() {
	for i := range p.entries {
		p.applyChange(i, func(i int) func() {
			return func() { p.entries[i] = PMPEntry{} }
		}(i))
	}
}

// SetOnRegionChanged installs the invalidation callback; NewVM wires
// this to the invalidation engine.
func (p *PMP) SetOnRegionChanged(f func(idx int, oldLo, oldHi uint64, oldActive bool, newLo, newHi uint64, newActive bool)) {
	p.onRegionChanged = f
}
