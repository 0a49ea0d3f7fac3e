package vm

import "sort"

// DomainKind classifies a memory domain the orchestrator installs
// aliases into. This file is adapted from rv64/bus.go's device-mapping
// bus: that bus found a Device by address range and
// offset; a Domain instead finds an installed Alias by address range
// and exists purely as bookkeeping, since the core does not perform
// byte I/O itself.
type DomainKind uint8

const (
	DomainPhysical DomainKind = iota
	DomainVirtual
	DomainPMP
)

func (k DomainKind) String() string {
	switch k {
	case DomainPhysical:
		return "physical"
	case DomainVirtual:
		return "virtual"
	case DomainPMP:
		return "pmp"
	default:
		return "?"
	}
}

// Category distinguishes the code-fetch alias space from the data
// (load/store) alias space; each base privilege mode gets one of each.
type Category uint8

const (
	CategoryCode Category = iota
	CategoryData
)

// Alias is one installed virtual-to-physical mapping inside a Domain.
// It is bookkeeping only: the core does not perform the byte I/O that
// makes an alias useful, it just tracks what is installed so it can be
// torn down precisely on invalidation.
type Alias struct {
	LowVA, HighVA uint64
	PA            uint64
	Priv          Privilege
	// Owner links the alias back to the TLBEntry it was derived from so
	// RemoveAlias can clear the entry's Mapped bit precisely.
	Owner *TLBEntry
}

// Domain is an opaque, named, byte-addressable space with protection
// metadata. The core never reads or writes bytes through a Domain;
// actual memory content lives behind HostProcessor.
type Domain struct {
	Name string
	Kind DomainKind

	aliases []*Alias // sorted by LowVA, mirrors the bus's address-ordered device list
}

// NewDomain creates a named, initially-empty domain.
func NewDomain(name string, kind DomainKind) *Domain {
	return &Domain{Name: name, Kind: kind}
}

// InstallAlias adds a virtual-to-physical alias covering [lowVA, highVA]
// and returns it so the caller can track it on the owning TLBEntry.
func (d *Domain) InstallAlias(lowVA, highVA, pa uint64, priv Privilege, owner *TLBEntry) *Alias {
	a := &Alias{LowVA: lowVA, HighVA: highVA, PA: pa, Priv: priv, Owner: owner}
	idx := sort.Search(len(d.aliases), func(i int) bool { return d.aliases[i].LowVA >= lowVA })
	d.aliases = append(d.aliases, nil)
	copy(d.aliases[idx+1:], d.aliases[idx:])
	d.aliases[idx] = a
	return a
}

// RemoveAlias deletes a previously installed alias from this domain.
func (d *Domain) RemoveAlias(a *Alias) {
	for i, cur := range d.aliases {
		if cur == a {
			d.aliases = append(d.aliases[:i], d.aliases[i+1:]...)
			return
		}
	}
}

// Find returns the alias covering va, if any.
func (d *Domain) Find(va uint64) *Alias {
	i := sort.Search(len(d.aliases), func(i int) bool { return d.aliases[i].HighVA >= va })
	if i < len(d.aliases) && d.aliases[i].LowVA <= va {
		return d.aliases[i]
	}
	return nil
}

// Protection is an advisory protection overlay the core derives from PMP
// and PMA refinement; the host's real memory implementation is
// responsible for honoring it.
type Protection struct {
	LowPA, HighPA uint64
	Priv          Privilege
}

func (d *Domain) Protect(lowPA, highPA uint64, priv Privilege) Protection {
	return Protection{LowPA: lowPA, HighPA: highPA, Priv: priv}
}

// Catalog is the orchestrator's own domain catalog: one Domain per
// (Mode, Category), plus the PMP protection domains for S-mode and
// M-mode.
type Catalog struct {
	byModeCategory map[catalogKey]*Domain
	pmpS           *Domain
	pmpM           *Domain
}

type catalogKey struct {
	mode Mode
	cat  Category
}

// NewCatalog builds the domain catalog from the code and data domain
// sets the host supplies at startup.
func NewCatalog(codeDomains, dataDomains map[Mode]*Domain) *Catalog {
	c := &Catalog{byModeCategory: make(map[catalogKey]*Domain)}
	for mode, d := range codeDomains {
		c.byModeCategory[catalogKey{mode, CategoryCode}] = d
	}
	for mode, d := range dataDomains {
		c.byModeCategory[catalogKey{mode, CategoryData}] = d
	}
	c.pmpS = NewDomain("pmp.S", DomainPMP)
	c.pmpM = NewDomain("pmp.M", DomainPMP)
	return c
}

// Domain returns the catalog's domain for (mode, category), or nil if
// the combination is not classified by this core, in which case an
// access against it is passed straight to PMP/PMA refinement.
func (c *Catalog) Domain(mode Mode, cat Category) *Domain {
	return c.byModeCategory[catalogKey{mode, cat}]
}

// PMPDomain returns the S-mode or M-mode PMP protection domain.
func (c *Catalog) PMPDomain(mode Mode) *Domain {
	if mode == ModeMachine {
		return c.pmpM
	}
	return c.pmpS
}

// classify reports whether (mode, cat) names a virtual domain this core
// translates, versus one passed straight through to PMP/PMA.
func (c *Catalog) classify(mode Mode, cat Category) (*Domain, bool) {
	d := c.Domain(mode, cat)
	return d, d != nil && d.Kind == DomainVirtual
}
