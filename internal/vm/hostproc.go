package vm

// AddressSpace bundles the three fields RISC-V stores in satp/vsatp/
// hgatp: the translation mode, the root page-table PPN, and the
// ASID/VMID tag.
type AddressSpace struct {
	Mode TransMode
	Tag  uint16 // ASID for satp/vsatp, VMID for hgatp
	PPN  uint64
}

// Enabled reports whether this address space's MODE field selects a
// real translation mode rather than Bare.
func (a AddressSpace) Enabled() bool { return a.Mode != ModeBare }

// CSRSnapshot is the read-only slice of hart state the core consumes,
// gathered in one call: satp, vsatp, hgatp, mstatus(.MPRV,.MPP,.MXR,
// .SUM), mstatush.MPV, vsstatus(.MXR,.SUM), and dcsr.mprven. The core
// writes none of them.
type CSRSnapshot struct {
	Satp  AddressSpace
	Vsatp AddressSpace
	Hgatp AddressSpace

	Priv    Mode // current base privilege mode (U/S/M), ignoring V
	Virtual bool // V bit: hart is executing a guest

	MstatusMPRV bool
	MstatusMPP  Mode
	MstatusMXR  bool
	MstatusSUM  bool
	MstatushMPV bool

	VSStatusMXR bool
	VSStatusSUM bool

	DcsrMPRVEN bool // whether MPRV applies to debug-mode accesses
}

// EffectiveMode folds V, Priv, and MPRV/MPP into the single Mode the
// permission checker and domain catalog key off of. access is the
// requested privilege; MPRV only overrides the effective mode for data
// accesses, never fetches.
func (s CSRSnapshot) EffectiveMode(access Privilege) Mode {
	base := s.Priv
	if base == ModeMachine && access&PrivExecute == 0 && s.MstatusMPRV {
		base = s.MstatusMPP
	}
	if !s.Virtual {
		return base
	}
	switch base {
	case ModeUser:
		return ModeVirtualUser
	default:
		return ModeVirtualSupervisor
	}
}

// HostProcessor is the only dependency the core has on the rest of the
// simulator: an opaque host-processor pointer replaced with a Go
// interface exposing only the operations the core needs. Everything
// outside this interface — instruction decode, CLIC/PLIC, debug
// triggers, the raw byte-addressable memory behind a Domain — is an
// external collaborator named only here.
type HostProcessor interface {
	// CSRs returns a fresh snapshot of the translation-affecting state.
	CSRs() CSRSnapshot

	// ReadPTW and WritePTW perform the dedicated page-table-walk memory
	// access: every PTE read/write goes through a dedicated path that
	// routes through the M-mode PMP domain. size is 4 or 8 bytes; side
	// selects which
	// privilege side's configured endianness applies. A failed read
	// reports ok=false via the out-of-band bad-address flag rather than
	// a Go error, so the walker can distinguish "PTW access fault" from
	// a genuine I/O error bug.
	ReadPTW(pa uint64, size int, side Mode) (value uint64, ok bool)
	WritePTW(pa uint64, size int, value uint64, side Mode) (ok bool)

	// RaiseException reports a fault and its faulting VA. When the
	// fault originated from a two-stage (VS2-active) translation, gva
	// and gpa are non-nil and are written into the GVA/GPA CSR-side
	// fields before the call returns.
	RaiseException(kind ExceptionKind, faultingVA uint64, gva, gpa *uint64)

	// SetASID notifies the host that the hart's composite ASID changed,
	// so aliased domains with now-mismatched tags become implicitly
	// invalid to the host domain layer.
	SetASID(composite SimASID)

	// DebugMode reports whether informational-severity conditions
	// should be logged.
	DebugMode() bool
}

// Config carries the small, value-typed implementation choices that
// parameterize this core: ASID/VMID width, hardware A/D support, PMP
// grain. There is no file-backed configuration at this layer; callers
// construct a Config from whatever their own config system decodes.
type Config struct {
	ASIDBits uint8 // 0 means ASID is not implemented
	VMIDBits uint8 // 0 means VMID is not implemented

	HardwareAD bool // hardware manages A/D bits automatically
	PMPGrain   uint8
	PMPCount   int
	PAWidth    uint8 // external physical address width, in bits

	// MaxAliasRange caps an installed alias's span so it stays
	// compatible with the host domain API; 0 means no cap beyond the
	// natural page/superpage size. Must be a power of two (e.g. 4 GiB).
	MaxAliasRange uint64
}

func (c Config) asidMaskWidth() uint64 {
	if c.ASIDBits == 0 {
		return 0
	}
	return (uint64(1) << c.ASIDBits) - 1
}

func (c Config) vmidMaskWidth() uint64 {
	if c.VMIDBits == 0 {
		return 0
	}
	return (uint64(1) << c.VMIDBits) - 1
}
