package vm

import (
	"bytes"
	"testing"
)

// newVMFixture builds a VM wired to a fakeHost with a single S-mode
// virtual code/data domain pair, mirroring how cmd/rvvmdemo wires
// internal/hostproc.Processor but against the lighter in-package
// fakeHost test double.
func newVMFixture(cfg Config) (*VM, *fakeHost, *Domain, *Domain) {
	host := newFakeHost()
	code := NewDomain("code.S", DomainVirtual)
	data := NewDomain("data.S", DomainVirtual)
	codeDomains := map[Mode]*Domain{ModeSupervisor: code, ModeUser: code}
	dataDomains := map[Mode]*Domain{ModeSupervisor: data, ModeUser: data}
	if cfg.PMPCount == 0 {
		cfg.PMPCount = 1
	}
	v := NewVM(host, cfg, codeDomains, dataDomains)
	// Configure a single TOR region spanning the full test address space
	// with full permissions, so these fixtures exercise translation
	// rather than PMP denial; pmp_test.go covers PMP matching/locking in
	// isolation.
	v.PMP().WriteCfg(0, byte(PMPTOR)<<3|0x7)
	v.PMP().WriteAddr(0, 0x0fffffffffffffff)
	return v, host, code, data
}

// TestMissSv39OneGiBLeaf drives spec §8 scenario 1's shape: a 1 GiB Sv39
// leaf at level 2, accessed with R in U-mode under a non-zero ASID.
func TestMissSv39OneGiBLeaf(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 16, PMPCount: 0, HardwareAD: true})

	const va = uint64(0xC0001000)
	rootPPN := uint64(0x80000)
	vpn2 := (va >> 30) & 0x1ff
	pteAddr := rootPPN<<12 + vpn2*8
	ppn := uint64(0x40000)
	host.mem[pteAddr] = (ppn << ptePPNShift) | pteV | pteR | pteW | pteU | pteA | pteD

	host.csr = CSRSnapshot{
		Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN, Tag: 7},
		Priv: ModeUser,
	}

	if ok := v.Miss(data, PrivRead, va, 8, AccessReal); !ok {
		t.Fatalf("Miss faulted: %v", host.raised)
	}

	e := v.tlbs[IdentityHS].Find(va, AccessReal)
	if e == nil {
		t.Fatalf("expected an installed TLB entry")
	}
	lowVA := va &^ (uint64(1)<<30 - 1)
	wantPA := (ppn << 12) + (va - lowVA)
	if e.Translate(va) != wantPA {
		t.Fatalf("Translate(%#x) = %#x, want %#x", va, e.Translate(va), wantPA)
	}
	if e.Priv != PrivRead|PrivWrite {
		t.Fatalf("Priv = %s, want rw-", e.Priv)
	}
}

// TestMissSv32R0W1FaultsAndInstallsNothing covers spec §8 scenario 2: a
// reserved R=0,W=1 PTE must page-fault, and a retry must not find a
// stale TLB entry from the faulted walk.
func TestMissSv32R0W1FaultsAndInstallsNothing(t *testing.T) {
	v, host, _, data := newVMFixture(Config{PMPCount: 0})

	rootPPN := uint64(0x1000)
	vpn1 := (uint64(0x00400000) >> 22) & 0x3ff
	pteAddr := rootPPN<<12 + vpn1*4
	host.mem[pteAddr] = pteV | pteW // R=0, W=1

	host.csr = CSRSnapshot{
		Satp: AddressSpace{Mode: ModeSv32, PPN: rootPPN},
		Priv: ModeSupervisor,
	}

	if ok := v.Miss(data, PrivRead, 0x00400000, 4, AccessReal); ok {
		t.Fatalf("expected Miss to fault on a reserved R0W1 PTE")
	}
	if v.tlbs[IdentityHS].Len() != 0 {
		t.Fatalf("a faulted walk must not install a TLB entry")
	}

	if ok := v.Miss(data, PrivRead, 0x00400000, 4, AccessReal); ok {
		t.Fatalf("retry must still fault, not find a stale entry")
	}
}

// TestInvalidateAllASIDFenceScenario covers spec §8 scenario 6.
func TestInvalidateAllASIDFenceScenario(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 16, PMPCount: 0, HardwareAD: true})

	install := func(va uint64, asid uint16, global bool) {
		rootPPN := uint64(0x1000 + int(asid))
		vpn2 := (va >> 30) & 0x1ff
		pteAddr := rootPPN<<12 + vpn2*8
		gbit := uint64(0)
		if global {
			gbit = pteG
		}
		host.mem[pteAddr] = (uint64(0x40000) << ptePPNShift) | pteV | pteR | pteW | gbit | pteA | pteD
		host.csr = CSRSnapshot{Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN, Tag: asid}, Priv: ModeSupervisor}
		if ok := v.Miss(data, PrivRead, va, 8, AccessReal); !ok {
			t.Fatalf("setup Miss for asid=%d faulted: %v", asid, host.raised)
		}
	}

	install(0x40000000, 3, false)
	install(0x80000000, 99, true) // global

	// invalidate_all_asid(5) preserves ASID-3 and the global entry.
	v.InvalidateAllASID(IdentityHS, 5)
	if v.tlbs[IdentityHS].Find(0x40000000, AccessReal) == nil {
		t.Fatalf("ASID-3 entry must survive invalidate_all_asid(5)")
	}
	if v.tlbs[IdentityHS].Find(0x80000000, AccessReal) == nil {
		t.Fatalf("global entry must survive invalidate_all_asid(5)")
	}

	// invalidate_all_asid(3) removes the ASID-3 entry but spares global.
	v.InvalidateAllASID(IdentityHS, 3)
	if v.tlbs[IdentityHS].Find(0x40000000, AccessReal) != nil {
		t.Fatalf("ASID-3 entry must be removed by invalidate_all_asid(3)")
	}
	if v.tlbs[IdentityHS].Find(0x80000000, AccessReal) == nil {
		t.Fatalf("global entry must survive invalidate_all_asid(3)")
	}
}

// TestInvalidateASIDDegradesToUnconditionalWhenASIDNotImplemented covers
// spec §4.7: "When ASID is not implemented, all entries are treated
// global and any ASID-qualified invalidation degrades to unconditional."
func TestInvalidateASIDDegradesToUnconditionalWhenASIDNotImplemented(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 0, PMPCount: 0, HardwareAD: true})

	rootPPN := uint64(0x1000)
	pteAddr := rootPPN<<12 + 1*8
	host.mem[pteAddr] = (uint64(0x40000) << ptePPNShift) | pteV | pteR | pteW | pteA | pteD
	host.csr = CSRSnapshot{Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN}, Priv: ModeSupervisor}

	if ok := v.Miss(data, PrivRead, 0x40000000, 8, AccessReal); !ok {
		t.Fatalf("setup Miss faulted: %v", host.raised)
	}

	v.InvalidateAllASID(IdentityHS, 1)
	if v.tlbs[IdentityHS].Len() != 0 {
		t.Fatalf("ASID-qualified invalidation must degrade to unconditional when ASID is unimplemented")
	}
}

// TestRoundTripSaveRestoreTLB covers spec §8's save/restore idempotence
// property.
func TestRoundTripSaveRestoreTLB(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 16, PMPCount: 0, HardwareAD: true})

	rootPPN := uint64(0x1000)
	pteAddr := rootPPN<<12 + 1*8
	host.mem[pteAddr] = (uint64(0x40000) << ptePPNShift) | pteV | pteR | pteW | pteA | pteD
	host.csr = CSRSnapshot{Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN, Tag: 2}, Priv: ModeSupervisor}

	if ok := v.Miss(data, PrivRead, 0x40000000, 8, AccessReal); !ok {
		t.Fatalf("setup Miss faulted: %v", host.raised)
	}

	var buf bytes.Buffer
	if err := v.SaveTLB(&buf); err != nil {
		t.Fatalf("SaveTLB: %v", err)
	}

	v.InvalidateAll(IdentityHS)
	if v.tlbs[IdentityHS].Len() != 0 {
		t.Fatalf("InvalidateAll must empty the TLB before restore")
	}

	if err := v.RestoreTLB(&buf); err != nil {
		t.Fatalf("RestoreTLB: %v", err)
	}

	e := v.tlbs[IdentityHS].Find(0x40000000, AccessReal)
	if e == nil {
		t.Fatalf("expected entry restored")
	}
	if e.Translate(0x40000000) != 0x40000000 {
		t.Fatalf("Translate after restore = %#x, want %#x", e.Translate(0x40000000), uint64(0x40000000))
	}
}

// TestComposeTwoStageNarrowing covers spec §8 scenario 4 literally:
// stage-1 [VA 0..0xFFF]->GPA 0x1000 (4 KiB) composed with stage-2
// [GPA 0..0x1FFFFF]->PA 0x200000 (2 MiB) must install
// [VA 0, VA 0xFFF]->PA 0x201000. e2's range starts well before gpa, so
// the lowVA narrowing term (va - (gpa - e2.LowVA)) goes negative here —
// this is the case that must not wrap around in uint64 arithmetic.
func TestComposeTwoStageNarrowing(t *testing.T) {
	v, host, _, _ := newVMFixture(Config{PMPCount: 0})

	e1 := v.tlbs[IdentityVS1].Install(TLBEntry{
		LowVA: 0, HighVA: 0xFFF, PA: 0x1000,
		Priv: PrivRead | PrivWrite | PrivExecute, UBit: true, ABit: true, DBit: true,
	})
	e2 := v.tlbs[IdentityVS2].Install(TLBEntry{
		// G-stage leaf PTEs are required to have U=1 (stage-2 checks
		// always treat the mode as U; see checkPermission).
		LowVA: 0, HighVA: 0x1FFFFF, PA: 0x200000,
		Priv: PrivRead | PrivWrite | PrivExecute, UBit: true, ABit: true, DBit: true,
	})
	e2.SimASID = e1.SimASID
	e2.ASIDMask = 0

	snap := CSRSnapshot{Hgatp: AddressSpace{Mode: ModeSv39, PPN: 0x5}}
	composed, ok := v.composeTwoStage(e1, 0, PrivRead, ModeUser, snap, AccessReal)
	if !ok {
		t.Fatalf("composeTwoStage faulted: %v", host.raised)
	}
	if composed.LowVA != 0 || composed.HighVA != 0xFFF {
		t.Fatalf("composed range = [%#x,%#x], want [0x0,0xfff]", composed.LowVA, composed.HighVA)
	}
	if composed.PA != 0x201000 {
		t.Fatalf("composed PA = %#x, want 0x201000", composed.PA)
	}
}

// TestMissNonMatchingDomainSkipsTranslation covers spec §4.1 step 1:
// "Non-matching domains are passed to PMP/PMA refinement only." A
// domain that is not the catalog's registered virtual domain for the
// hart's current (mode, category) — here, an unregistered physical
// domain — must never drive a TLB walk, even though no page table is
// configured to back one.
func TestMissNonMatchingDomainSkipsTranslation(t *testing.T) {
	v, host, _, _ := newVMFixture(Config{PMPCount: 0})
	host.csr = CSRSnapshot{Priv: ModeSupervisor}

	bogus := NewDomain("physical.bogus", DomainPhysical)
	if ok := v.Miss(bogus, PrivRead, 0x1000, 8, AccessReal); !ok {
		t.Fatalf("a non-matching domain must fall through to PMP/PMA refinement, not fault: %v", host.raised)
	}
	if v.tlbs[IdentityHS].Len() != 0 {
		t.Fatalf("a non-matching domain must never install a TLB entry, Len()=%d", v.tlbs[IdentityHS].Len())
	}
}

// TestMissArtifactSuppressesStateAndExceptions drives an inspection
// access end to end: no exception, no A/D writeback, no domain alias —
// only a lazily-collected artifact TLB entry, which the next real
// lookup into the same range must drop and re-walk.
func TestMissArtifactSuppressesStateAndExceptions(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 16, PMPCount: 0, HardwareAD: true})

	rootPPN := uint64(0x1000)
	pteAddr := rootPPN<<12 + 1*8
	host.mem[pteAddr] = (uint64(0x40000) << ptePPNShift) | pteV | pteR | pteW // A=0, D=0
	host.csr = CSRSnapshot{Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN}, Priv: ModeSupervisor}

	if ok := v.Miss(data, PrivWrite, 0x40000000, 8, AccessArtifact); !ok {
		t.Fatalf("artifact Miss failed: %v", host.raised)
	}
	if host.writebacks != 0 {
		t.Fatalf("artifact Miss must not write A/D back, got %d writebacks", host.writebacks)
	}
	if len(host.raised) != 0 {
		t.Fatalf("artifact Miss must not raise exceptions, got %v", host.raised)
	}
	if data.Find(0x40000000) != nil {
		t.Fatalf("artifact Miss must not install a domain alias")
	}
	e := v.tlbs[IdentityHS].Find(0x40000000, AccessArtifact)
	if e == nil || !e.Artifact {
		t.Fatalf("expected a lazily-collected artifact entry, got %+v", e)
	}

	// The next real access drops the artifact residue, re-walks, and this
	// time does write A/D back and install the alias.
	if ok := v.Miss(data, PrivWrite, 0x40000000, 8, AccessReal); !ok {
		t.Fatalf("real Miss after artifact failed: %v", host.raised)
	}
	if host.writebacks != 1 {
		t.Fatalf("real re-walk must write A/D back exactly once, got %d", host.writebacks)
	}
	e = v.tlbs[IdentityHS].Find(0x40000000, AccessReal)
	if e == nil || e.Artifact {
		t.Fatalf("expected a live entry after the real re-walk, got %+v", e)
	}
	if data.Find(0x40000000) == nil {
		t.Fatalf("real Miss must install the domain alias")
	}
}

// TestMissPMPDenialReportsAccessFault covers the refinement step of
// §4.1: a translation whose physical target the PMP denies must raise
// an access fault and return retry=false, not loop.
func TestMissPMPDenialReportsAccessFault(t *testing.T) {
	v, host, _, data := newVMFixture(Config{ASIDBits: 16, PMPCount: 0, HardwareAD: true})
	// Narrow entry 0 from the fixture's full-range RWX TOR region to
	// read-only, so the write below passes translation but fails PMP.
	v.PMP().WriteCfg(0, byte(PMPTOR)<<3|0x1)

	rootPPN := uint64(0x1000)
	pteAddr := rootPPN<<12 + 1*8
	host.mem[pteAddr] = (uint64(0x40000) << ptePPNShift) | pteV | pteR | pteW | pteA | pteD
	host.csr = CSRSnapshot{Satp: AddressSpace{Mode: ModeSv39, PPN: rootPPN}, Priv: ModeSupervisor}

	if ok := v.Miss(data, PrivWrite, 0x40000000, 8, AccessReal); ok {
		t.Fatalf("a PMP-denied access must not be retried")
	}
	if len(host.raised) == 0 || host.raised[len(host.raised)-1] != ExceptionStoreAccessFault {
		t.Fatalf("raised = %v, want a store access fault", host.raised)
	}
	if data.Find(0x40000000) != nil {
		t.Fatalf("a PMP-denied access must not leave a domain alias behind")
	}
}

// TestFenceRoutesByVirtualization covers §4.7's routing rule: the
// top-level invalidation operations target HS on a non-virtualized
// hart and VS1 on a virtualized one.
func TestFenceRoutesByVirtualization(t *testing.T) {
	v, host, _, _ := newVMFixture(Config{ASIDBits: 16, PMPCount: 0})

	v.tlbs[IdentityHS].Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000})
	v.tlbs[IdentityVS1].Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000})

	host.csr = CSRSnapshot{Priv: ModeSupervisor}
	v.FenceAll()
	if v.tlbs[IdentityHS].Len() != 0 {
		t.Fatalf("non-virtual FenceAll must clear the HS TLB")
	}
	if v.tlbs[IdentityVS1].Len() != 1 {
		t.Fatalf("non-virtual FenceAll must leave the VS1 TLB alone")
	}

	host.csr = CSRSnapshot{Priv: ModeSupervisor, Virtual: true}
	v.FenceAll()
	if v.tlbs[IdentityVS1].Len() != 0 {
		t.Fatalf("virtual FenceAll must clear the VS1 TLB")
	}
}
