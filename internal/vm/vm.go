package vm

// VM is the top-level handle the host simulator owns: one per hart,
// bundling the three TLB identities, the PMP matcher, the PMA layer,
// and the domain catalog behind a small stable surface: init, miss,
// the invalidate family, and the pmp accessors.
type VM struct {
	host HostProcessor
	cfg  Config

	catalog *Catalog
	tlbs    [3]*TLB // indexed by Identity

	pmp *PMP
	pma *PMA
}

// NewVM implements vm_init: it builds the three TLBs, the domain
// catalog from the caller-supplied per-mode code/data domains, and an
// n-entry PMP wired so that every config/address write invalidates the
// physical-memory ranges it affects.
func NewVM(host HostProcessor, cfg Config, codeDomains, dataDomains map[Mode]*Domain) *VM {
	v := &VM{
		host:    host,
		cfg:     cfg,
		catalog: NewCatalog(codeDomains, dataDomains),
		tlbs:    [3]*TLB{NewTLB(IdentityHS), NewTLB(IdentityVS1), NewTLB(IdentityVS2)},
		pmp:     NewPMP(cfg.PMPCount, cfg.PMPGrain, cfg.PAWidth),
		pma:     &PMA{},
	}
	v.pmp.SetOnRegionChanged(v.onPMPRegionChanged)
	return v
}

// RegisterPMA adds a Physical Memory Attribute callback.
func (v *VM) RegisterPMA(cb PMACallback) { v.pma.Register(cb) }

// PMP exposes the region matcher for the host's CSR layer to route
// pmpcfg/pmpaddr reads and writes through, without this package
// re-exposing CSR shapes of its own.
func (v *VM) PMP() *PMP { return v.pmp }

// TLB returns the cache for the given identity, for save/restore and
// debug dumping.
func (v *VM) TLB(id Identity) *TLB { return v.tlbs[id] }

// composeStatus builds the current composite tag from a CSR snapshot,
// with the ASID and VMID tags first masked to their implemented widths
// so a tag bit the hardware does not implement can never distinguish
// two entries.
func (v *VM) composeStatus(snap CSRSnapshot) SimASID {
	return Compose(Status{
		HSASID: snap.Satp.Tag & uint16(v.cfg.asidMaskWidth()),
		VSASID: snap.Vsatp.Tag & uint16(v.cfg.asidMaskWidth()),
		VMID:   snap.Hgatp.Tag & uint16(v.cfg.vmidMaskWidth()),
		MXRHS:  snap.MstatusMXR,
		SUMHS:  snap.MstatusSUM,
		MXRVS:  snap.VSStatusMXR,
		SUMVS:  snap.VSStatusSUM,
		S1:     snap.Vsatp.Enabled(),
		S2:     snap.Hgatp.Enabled(),
	})
}

// SetASID: the host calls this after writing satp/vsatp/hgatp so the
// core can notify itself (and, via
// HostProcessor.SetASID, the rest of the simulator) of the new
// composite tag. It does not itself invalidate anything — a changed
// ASID simply changes which existing entries are reachable, per the
// masked-equivalence rule in asid.go.
func (v *VM) SetASID() {
	v.host.SetASID(v.composeStatus(v.host.CSRs()))
}

// RefreshMPRVDomain: mstatus.MPRV (or MPP) changed, so any data alias
// installed under the previous
// effective mode must be torn down; the next access re-derives the
// correct domain through Miss. There is no cached "MPRV domain" object
// to swap — EffectiveMode folds MPRV in on every call — so this simply
// drops every mapped data alias for the base modes, forcing re-install.
func (v *VM) RefreshMPRVDomain() {
	for _, id := range [...]Identity{IdentityHS, IdentityVS1, IdentityVS2} {
		for _, e := range v.tlbs[id].All() {
			e.unmapMode(ModeUser)
			e.unmapMode(ModeSupervisor)
			e.unmapMode(ModeVirtualUser)
			e.unmapMode(ModeVirtualSupervisor)
		}
	}
}

// Free tears down every installed alias across all three TLBs and
// drains their free lists, releasing this VM's hold on its domains. The
// TLBs and PMP themselves are left for the garbage collector once the
// host drops its reference to v.
func (v *VM) Free() {
	for _, t := range v.tlbs {
		for _, e := range t.All() {
			t.Delete(e)
		}
		t.drainFreeList()
	}
}
