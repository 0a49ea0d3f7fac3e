package vm

import "testing"

func TestTLBInsertSortedAndFind(t *testing.T) {
	tlb := NewTLB(IdentityHS)
	tlb.Install(TLBEntry{LowVA: 0x3000, HighVA: 0x3FFF, PA: 0x3000})
	tlb.Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000})
	tlb.Install(TLBEntry{LowVA: 0x2000, HighVA: 0x2FFF, PA: 0x2000})

	all := tlb.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].LowVA > all[i].LowVA {
			t.Fatalf("entries not sorted by LowVA: %+v", all)
		}
	}

	e := tlb.Find(0x2500, AccessReal)
	if e == nil || e.LowVA != 0x2000 {
		t.Fatalf("Find(0x2500) = %+v, want entry at 0x2000", e)
	}
	if tlb.Find(0x5000, AccessReal) != nil {
		t.Fatalf("Find outside any range must return nil")
	}
}

func TestTLBFindDropsArtifactOnRealLookup(t *testing.T) {
	tlb := NewTLB(IdentityHS)
	tlb.Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000, Artifact: true})

	if e := tlb.Find(0x1000, AccessReal); e != nil {
		t.Fatalf("a real lookup must not return an artifact entry, got %+v", e)
	}
	if tlb.Len() != 0 {
		t.Fatalf("artifact entry must be dropped by the failed real lookup, Len()=%d", tlb.Len())
	}
}

func TestTLBDeleteTearsDownAliases(t *testing.T) {
	tlb := NewTLB(IdentityHS)
	e := tlb.Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000})

	d := NewDomain("data.S", DomainVirtual)
	a := d.InstallAlias(e.LowVA, e.HighVA, e.PA, PrivRead, e)
	e.setMapped(ModeSupervisor, d, a)

	tlb.Delete(e)

	if d.Find(0x1000) != nil {
		t.Fatalf("Delete must remove the domain alias")
	}
	if tlb.Len() != 0 {
		t.Fatalf("Delete must remove the entry from the range index")
	}
}

func TestTLBInvalidateRangeASIDPreservesGlobalAndOtherASID(t *testing.T) {
	tlb := NewTLB(IdentityHS)

	global := tlb.Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000, GBit: true})
	global.SimASID = Compose(Status{HSASID: 1})
	global.ASIDMask = asidMask(maskParams{identity: IdentityHS, global: true, asidImplemented: true})

	mine := tlb.Install(TLBEntry{LowVA: 0x2000, HighVA: 0x2FFF, PA: 0x2000})
	mine.SimASID = Compose(Status{HSASID: 5})
	mine.ASIDMask = asidMask(maskParams{identity: IdentityHS, asidImplemented: true})

	other := tlb.Install(TLBEntry{LowVA: 0x3000, HighVA: 0x3FFF, PA: 0x3000})
	other.SimASID = Compose(Status{HSASID: 9})
	other.ASIDMask = asidMask(maskParams{identity: IdentityHS, asidImplemented: true})

	target := Compose(Status{HSASID: 5})
	tlb.InvalidateRange(0, ^uint64(0), InvalidateASID, target, nil)

	if tlb.Find(0x1000, AccessReal) == nil {
		t.Fatalf("global entry must survive an ASID-qualified invalidation")
	}
	if tlb.Find(0x2000, AccessReal) != nil {
		t.Fatalf("entry matching the invalidated ASID must be removed")
	}
	if tlb.Find(0x3000, AccessReal) == nil {
		t.Fatalf("entry tagged with a different ASID must survive")
	}
}

func TestTLBInvalidateAnyRemovesEverything(t *testing.T) {
	tlb := NewTLB(IdentityHS)
	tlb.Install(TLBEntry{LowVA: 0x1000, HighVA: 0x1FFF, PA: 0x1000, GBit: true})
	tlb.Install(TLBEntry{LowVA: 0x2000, HighVA: 0x2FFF, PA: 0x2000})

	tlb.InvalidateRange(0, ^uint64(0), InvalidateAny, 0, nil)

	if tlb.Len() != 0 {
		t.Fatalf("InvalidateAny must remove every entry, Len()=%d", tlb.Len())
	}
}
