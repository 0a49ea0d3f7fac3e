package vm

// SimASID is the 64-bit composite tag that fingerprints the hart state
// a cached translation depends on: it packs the HS-mode ASID, the
// VS-mode ASID, the VMID, the four status bits that affect permission
// checks, and the two stage-enable flags into one value so a single
// equality-under-mask test decides whether a cached entry still
// applies.
//
// Layout (bit 0 is LSB):
//
//	[0:16)   HS ASID
//	[16:32)  VS ASID
//	[32:46)  VMID
//	[46]     MXR_HS
//	[47]     SUM_HS
//	[48]     MXR_VS
//	[49]     SUM_VS
//	[50]     S1 (vsatp.MODE != 0)
//	[51]     S2 (hgatp.MODE != 0)
//
// Implementations are free to choose any encoding provided the
// equivalence laws below hold; this layout is simply a concrete,
// serializable choice for this repository.
type SimASID uint64

const (
	simASIDHSShift   = 0
	simASIDVSShift   = 16
	simASIDVMIDShift = 32
	simASIDMXRHS     = 1 << 46
	simASIDSUMHS     = 1 << 47
	simASIDMXRVS     = 1 << 48
	simASIDSUMVS     = 1 << 49
	simASIDS1        = 1 << 50
	simASIDS2        = 1 << 51

	asidFieldMask = 0xffff
	vmidFieldMask = 0x3fff
)

// Status is the subset of CSR-derived, translation-affecting state the
// orchestrator folds into a SimASID. VM.composeStatus builds it from a
// HostProcessor.CSRs snapshot.
type Status struct {
	HSASID uint16
	VSASID uint16
	VMID   uint16
	MXRHS  bool
	SUMHS  bool
	MXRVS  bool
	SUMVS  bool
	S1     bool // vsatp.MODE != 0
	S2     bool // hgatp.MODE != 0
}

// Compose builds the composite SimASID for the current hart status.
func Compose(s Status) SimASID {
	var v SimASID
	v |= SimASID(s.HSASID&asidFieldMask) << simASIDHSShift
	v |= SimASID(s.VSASID&asidFieldMask) << simASIDVSShift
	v |= SimASID(s.VMID&vmidFieldMask) << simASIDVMIDShift
	if s.MXRHS {
		v |= simASIDMXRHS
	}
	if s.SUMHS {
		v |= simASIDSUMHS
	}
	if s.MXRVS {
		v |= simASIDMXRVS
	}
	if s.SUMVS {
		v |= simASIDSUMVS
	}
	if s.S1 {
		v |= simASIDS1
	}
	if s.S2 {
		v |= simASIDS2
	}
	return v
}

// maskParams describes the bits relevant to an entry's identity and
// installation context; asidMask turns them into a SimASID bitmask.
type maskParams struct {
	identity  Identity
	global    bool
	virtual   bool // entry was created while V=1 (guest context)
	userPage  bool // entry's U bit is set
	fromSMode bool // mapping was installed while the hart was in S-mode
	asidImplemented bool
}

// asidMask computes the entry-specific relevance mask, i.e. which bits
// of SimASID matter when deciding whether a cached entry still applies:
//
//   - global entries never care about ASID;
//   - stage-2 entries ignore SUM (treated as U-mode always, so no
//     supervisor-vs-user distinction to gate on);
//   - the VMID/MXR_VS/S1/S2 bits only matter for entries created under
//     virtualization;
//   - the per-identity SUM bit only matters when the entry is
//     user-accessible and was installed from supervisor mode;
//   - MXR_HS always matters.
func asidMask(p maskParams) SimASID {
	var m SimASID

	if !p.global && p.asidImplemented {
		switch p.identity {
		case IdentityHS:
			m |= SimASID(asidFieldMask) << simASIDHSShift
		case IdentityVS1:
			m |= SimASID(asidFieldMask) << simASIDVSShift
		}
	}

	m |= simASIDMXRHS

	if p.identity == IdentityHS && p.userPage && p.fromSMode {
		m |= simASIDSUMHS
	}

	if p.virtual {
		m |= SimASID(vmidFieldMask) << simASIDVMIDShift
		m |= simASIDMXRVS
		m |= simASIDS1
		m |= simASIDS2
		if p.identity == IdentityVS1 && p.userPage && p.fromSMode {
			m |= simASIDSUMVS
		}
	}

	return m
}

// Equivalent reports whether two composite tags agree in every bit a
// mask marks relevant.
func Equivalent(mask, a, b SimASID) bool {
	return a&mask == b&mask
}

// combineMasks OR-combines two stage masks, used when folding a stage-1
// and stage-2 entry into one composed alias: the composed alias is
// invalidated whenever either tag's relevant bits change.
func combineMasks(a, b SimASID) SimASID { return a | b }
