// Package vm implements the virtual-memory, PMP, and address-translation
// core of a RISC-V hart: the page-table walker, TLB cache, PMP region
// matcher, translation orchestrator, and invalidation engine.
package vm

import "fmt"

// Privilege is a requested or granted access right (R/W/X), encoded as a
// bitmask so permission checks are plain set operations.
type Privilege uint8

const (
	PrivRead Privilege = 1 << iota
	PrivWrite
	PrivExecute
)

func (p Privilege) String() string {
	var b [3]byte
	r, w, x := byte('-'), byte('-'), byte('-')
	if p&PrivRead != 0 {
		r = 'r'
	}
	if p&PrivWrite != 0 {
		w = 'w'
	}
	if p&PrivExecute != 0 {
		x = 'x'
	}
	b[0], b[1], b[2] = r, w, x
	return string(b[:])
}

// Mode is the effective privilege mode under which a translation or PMP
// check is evaluated. The four base privilege modes a TLBEntry's Mapped
// bitmask tracks are U, S, VU, VS; M-mode never translates and is
// handled separately by the PMP matcher.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeSupervisor
	ModeMachine
	ModeVirtualUser
	ModeVirtualSupervisor
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "U"
	case ModeSupervisor:
		return "S"
	case ModeMachine:
		return "M"
	case ModeVirtualUser:
		return "VU"
	case ModeVirtualSupervisor:
		return "VS"
	default:
		return "?"
	}
}

// mappedBit returns the bit of TLBEntry.Mapped that corresponds to m, or
// 0 if m does not participate in domain aliasing (M-mode).
func mappedBit(m Mode) uint8 {
	switch m {
	case ModeUser:
		return 1 << 0
	case ModeSupervisor:
		return 1 << 1
	case ModeVirtualUser:
		return 1 << 2
	case ModeVirtualSupervisor:
		return 1 << 3
	default:
		return 0
	}
}

// TransMode is the architectural virtual-addressing mode selected by
// satp.MODE / vsatp.MODE / hgatp.MODE.
type TransMode uint8

const (
	ModeBare TransMode = iota
	ModeSv32
	ModeSv39
	ModeSv48
)

// levels reports the page-table depth and the PTE byte width for the mode.
func (m TransMode) levels() (levels int, vpnBits int, pteBytes int) {
	switch m {
	case ModeSv32:
		return 2, 10, 4
	case ModeSv39:
		return 3, 9, 8
	case ModeSv48:
		return 4, 9, 8
	default:
		return 0, 0, 0
	}
}

func (m TransMode) String() string {
	switch m {
	case ModeBare:
		return "Bare"
	case ModeSv32:
		return "Sv32"
	case ModeSv39:
		return "Sv39"
	case ModeSv48:
		return "Sv48"
	default:
		return "?"
	}
}

// Identity is which of the three TLB caches an entry belongs to.
type Identity uint8

const (
	IdentityHS Identity = iota
	IdentityVS1
	IdentityVS2
)

func (id Identity) String() string {
	switch id {
	case IdentityHS:
		return "HS"
	case IdentityVS1:
		return "VS1"
	case IdentityVS2:
		return "VS2"
	default:
		return "?"
	}
}

// AccessKind distinguishes a real, state-affecting access from a debug
// or inspection lookup. Threading this explicitly keeps the walker and
// TLB re-entrant and testable without a hart-wide flag.
type AccessKind uint8

const (
	AccessReal AccessKind = iota
	AccessArtifact
)

func (k AccessKind) IsArtifact() bool { return k == AccessArtifact }

// TLBEntry is a single cached translation.
type TLBEntry struct {
	LowVA  uint64
	HighVA uint64
	PA     uint64 // physical address corresponding to LowVA

	Priv Privilege
	UBit bool
	GBit bool
	ABit bool
	DBit bool

	TLBID Identity

	// Mapped records, per mappedBit(Mode), whether a domain alias for
	// this entry is currently installed in that mode.
	Mapped uint8

	SimASID SimASID
	// ASIDMask marks which bits of SimASID are relevant when comparing
	// this entry's tag against the hart's current composite ASID (see
	// asid.go). It is computed once at install time from GBit and the
	// stage/virtualization context the entry was created under.
	ASIDMask SimASID

	Artifact bool

	// aliases and aliasDomain record, per mappedBit index (0:U, 1:S,
	// 2:VU, 3:VS), the Domain and Alias the orchestrator installed for
	// that mode, so invalidation can remove exactly those aliases
	// before releasing the entry.
	aliases     [4]*Alias
	aliasDomain [4]*Domain

	// pmpAlias/pmpDomain record the PMP protection overlay installed
	// into the catalog's PMP domain (§4.1: "creates named domains and
	// overlays protection") the first time this entry successfully
	// clears a PMP check. It is keyed by physical range, not by mode, so
	// it is installed once per entry rather than once per mappedBit.
	pmpAlias  *Alias
	pmpDomain *Domain

	// free holds this pointer on the TLB's free list when the entry is
	// not live; it is the non-union analogue of the original's
	// next_free/lut_entry overlay. Nil while live.
	free *TLBEntry
}

// setMapped records that a domain alias for mode m now exists.
func (e *TLBEntry) setMapped(m Mode, d *Domain, a *Alias) {
	bit := mappedBit(m)
	if bit == 0 {
		return
	}
	idx := mappedBitIndex(bit)
	e.Mapped |= bit
	e.aliasDomain[idx] = d
	e.aliases[idx] = a
}

// clearMapped removes every installed domain alias for this entry and
// clears Mapped. It is the one place aliases are torn down, used by
// both explicit unmap (ASID change) and full deletion.
func (e *TLBEntry) clearMapped() {
	for idx := range e.aliases {
		if a := e.aliases[idx]; a != nil {
			e.aliasDomain[idx].RemoveAlias(a)
			e.aliases[idx] = nil
			e.aliasDomain[idx] = nil
		}
	}
	e.Mapped = 0
	if e.pmpAlias != nil {
		e.pmpDomain.RemoveAlias(e.pmpAlias)
		e.pmpAlias = nil
		e.pmpDomain = nil
	}
}

// setPMPAlias records the PMP protection overlay installed for this
// entry's physical range, if one is not already tracked.
func (e *TLBEntry) setPMPAlias(d *Domain, a *Alias) {
	if e.pmpAlias != nil {
		return
	}
	e.pmpDomain = d
	e.pmpAlias = a
}

// unmapMode removes the alias for a single mode, e.g. when that mode's
// effective ASID changed but others remain valid.
func (e *TLBEntry) unmapMode(m Mode) {
	bit := mappedBit(m)
	if bit == 0 || e.Mapped&bit == 0 {
		return
	}
	idx := mappedBitIndex(bit)
	if a := e.aliases[idx]; a != nil {
		e.aliasDomain[idx].RemoveAlias(a)
		e.aliases[idx] = nil
		e.aliasDomain[idx] = nil
	}
	e.Mapped &^= bit
}

func mappedBitIndex(bit uint8) int {
	switch bit {
	case 1 << 0:
		return 0
	case 1 << 1:
		return 1
	case 1 << 2:
		return 2
	default:
		return 3
	}
}

// Size returns the page/superpage size this entry covers, in bytes.
func (e *TLBEntry) Size() uint64 { return e.HighVA - e.LowVA + 1 }

// Contains reports whether va falls within this entry's cached range.
func (e *TLBEntry) Contains(va uint64) bool {
	return va >= e.LowVA && va <= e.HighVA
}

// Translate maps va (which must satisfy Contains(va)) to a physical
// address using this entry's mapping.
func (e *TLBEntry) Translate(va uint64) uint64 {
	return e.PA + (va - e.LowVA)
}

func (e *TLBEntry) String() string {
	return fmt.Sprintf("VA %#x:%#x PA %#x:%#x %s%s%s%s%s ASID=%#x",
		e.LowVA, e.HighVA, e.PA, e.PA+e.Size()-1, e.Priv,
		boolFlag(e.UBit, "U"), boolFlag(e.GBit, "G"),
		boolFlag(e.ABit, "A"), boolFlag(e.DBit, "D"),
		uint64(e.SimASID))
}

func boolFlag(b bool, s string) string {
	if b {
		return "/" + s
	}
	return ""
}

// PMPMode selects how a PMP entry's address register is decoded.
type PMPMode uint8

const (
	PMPOff PMPMode = iota
	PMPTOR
	PMPNA4
	PMPNAPOT
)

// PMPEntry is one physical-memory-protection region.
type PMPEntry struct {
	Priv   Privilege
	Mode   PMPMode
	Locked bool
	// Addr is the raw right-shifted (by 2) address field exactly as
	// stored in pmpaddr[i].
	Addr uint64
}

// ExceptionKind enumerates the fault categories the core reports to the
// host.
type ExceptionKind uint8

const (
	ExceptionInsnPageFault ExceptionKind = iota
	ExceptionLoadPageFault
	ExceptionStorePageFault
	ExceptionInsnAccessFault
	ExceptionLoadAccessFault
	ExceptionStoreAccessFault
	ExceptionInsnGuestPageFault
	ExceptionLoadGuestPageFault
	ExceptionStoreGuestPageFault
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionInsnPageFault:
		return "instruction-page-fault"
	case ExceptionLoadPageFault:
		return "load-page-fault"
	case ExceptionStorePageFault:
		return "store-page-fault"
	case ExceptionInsnAccessFault:
		return "instruction-access-fault"
	case ExceptionLoadAccessFault:
		return "load-access-fault"
	case ExceptionStoreAccessFault:
		return "store-access-fault"
	case ExceptionInsnGuestPageFault:
		return "instruction-guest-page-fault"
	case ExceptionLoadGuestPageFault:
		return "load-guest-page-fault"
	case ExceptionStoreGuestPageFault:
		return "store-guest-page-fault"
	default:
		return "unknown-exception"
	}
}

// pageFaultKind and accessFaultKind pick the (guest-aware) exception
// variant for a given requested privilege.
func pageFaultKind(priv Privilege, guest bool) ExceptionKind {
	switch {
	case priv&PrivExecute != 0:
		if guest {
			return ExceptionInsnGuestPageFault
		}
		return ExceptionInsnPageFault
	case priv&PrivWrite != 0:
		if guest {
			return ExceptionStoreGuestPageFault
		}
		return ExceptionStorePageFault
	default:
		if guest {
			return ExceptionLoadGuestPageFault
		}
		return ExceptionLoadPageFault
	}
}

func accessFaultKind(priv Privilege) ExceptionKind {
	switch {
	case priv&PrivExecute != 0:
		return ExceptionInsnAccessFault
	case priv&PrivWrite != 0:
		return ExceptionStoreAccessFault
	default:
		return ExceptionLoadAccessFault
	}
}
