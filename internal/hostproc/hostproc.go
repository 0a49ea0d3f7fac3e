// Package hostproc provides a minimal, flat-memory implementation of
// vm.HostProcessor: enough CSR state and byte-addressable RAM to drive
// the translation core from tests and the command-line demo, without
// any instruction decode, trap delivery, or peripheral emulation of its
// own (those remain the external collaborator's job per vm's design).
package hostproc

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvvm/internal/vm"
)

// satp/vsatp/hgatp MODE field encodings (privileged spec table 5.3/5.4).
const (
	satpModeBare = 0
	satpModeSv32 = 1
	satpModeSv39 = 8
	satpModeSv48 = 9

	hgatpModeBare   = 0
	hgatpModeSv32x4 = 1
	hgatpModeSv39x4 = 8
	hgatpModeSv48x4 = 9
)

// Processor is a reference HostProcessor: a single flat physical
// address space plus the handful of CSR fields the translation core
// reads. It is not a CPU — there is no register file, no instruction
// fetch/decode loop, and no interrupt controller; it exists to make
// internal/vm exercisable end to end.
type Processor struct {
	Memory []byte

	// XLEN selects the satp/vsatp decode width: 32 or 64. Defaults to
	// 64 (the zero value) via xlenOr64.
	XLEN int

	Satp  uint64
	Vsatp uint64
	Hgatp uint64

	Priv    vm.Mode
	Virtual bool

	MstatusMPRV bool
	MstatusMPP  vm.Mode
	MstatusMXR  bool
	MstatusSUM  bool
	MstatushMPV bool

	VSStatusMXR bool
	VSStatusSUM bool

	DcsrMPRVEN bool
	Debug      bool

	LastException  vm.ExceptionKind
	LastFaultVA    uint64
	LastGVA        *uint64
	LastGPA        *uint64
	ExceptionCount int

	LastComposite vm.SimASID
}

// New creates a Processor with n bytes of zeroed physical RAM.
func New(n int) *Processor {
	return &Processor{Memory: make([]byte, n)}
}

func decodeSatpLike(raw uint64, is64 bool) (mode vm.TransMode, tag uint16, ppn uint64) {
	if !is64 {
		m := raw >> 31
		if m == 0 {
			return vm.ModeBare, 0, 0
		}
		return vm.ModeSv32, uint16((raw >> 22) & 0x1ff), raw & 0x3fffff
	}
	m := raw >> 60
	ppn = raw & ((1 << 44) - 1)
	asid := uint16((raw >> 44) & 0xffff)
	switch m {
	case satpModeSv39:
		return vm.ModeSv39, asid, ppn
	case satpModeSv48:
		return vm.ModeSv48, asid, ppn
	default:
		return vm.ModeBare, 0, 0
	}
}

func decodeHgatp(raw uint64) (mode vm.TransMode, vmid uint16, ppn uint64) {
	m := raw >> 60
	ppn = raw & ((1 << 44) - 1)
	vmid = uint16((raw >> 44) & 0x3fff)
	switch m {
	case hgatpModeSv39x4:
		return vm.ModeSv39, vmid, ppn
	case hgatpModeSv48x4:
		return vm.ModeSv48, vmid, ppn
	case hgatpModeSv32x4:
		return vm.ModeSv32, vmid, ppn
	default:
		return vm.ModeBare, 0, 0
	}
}

func (p *Processor) xlenOr64() int {
	if p.XLEN == 32 {
		return 32
	}
	return 64
}

// CSRs implements vm.HostProcessor.
func (p *Processor) CSRs() vm.CSRSnapshot {
	is64 := p.xlenOr64() == 64
	satpMode, satpTag, satpPPN := decodeSatpLike(p.Satp, is64)
	vsatpMode, vsatpTag, vsatpPPN := decodeSatpLike(p.Vsatp, is64)
	hgatpMode, hgatpTag, hgatpPPN := decodeHgatp(p.Hgatp)

	return vm.CSRSnapshot{
		Satp:        vm.AddressSpace{Mode: satpMode, Tag: satpTag, PPN: satpPPN},
		Vsatp:       vm.AddressSpace{Mode: vsatpMode, Tag: vsatpTag, PPN: vsatpPPN},
		Hgatp:       vm.AddressSpace{Mode: hgatpMode, Tag: hgatpTag, PPN: hgatpPPN},
		Priv:        p.Priv,
		Virtual:     p.Virtual,
		MstatusMPRV: p.MstatusMPRV,
		MstatusMPP:  p.MstatusMPP,
		MstatusMXR:  p.MstatusMXR,
		MstatusSUM:  p.MstatusSUM,
		MstatushMPV: p.MstatushMPV,
		VSStatusMXR: p.VSStatusMXR,
		VSStatusSUM: p.VSStatusSUM,
		DcsrMPRVEN:  p.DcsrMPRVEN,
	}
}

// ReadPTW and WritePTW implement vm.HostProcessor against Memory. side
// is accepted but unused: this reference processor only models
// little-endian memory, which is the only endianness the base RISC-V
// privileged spec requires a hart to support.
func (p *Processor) ReadPTW(pa uint64, size int, side vm.Mode) (uint64, bool) {
	_ = side
	if pa+uint64(size) > uint64(len(p.Memory)) {
		return 0, false
	}
	switch size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(p.Memory[pa:])), true
	case 8:
		return binary.LittleEndian.Uint64(p.Memory[pa:]), true
	default:
		return 0, false
	}
}

func (p *Processor) WritePTW(pa uint64, size int, value uint64, side vm.Mode) bool {
	_ = side
	if pa+uint64(size) > uint64(len(p.Memory)) {
		return false
	}
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(p.Memory[pa:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(p.Memory[pa:], value)
	default:
		return false
	}
	return true
}

func (p *Processor) RaiseException(kind vm.ExceptionKind, faultingVA uint64, gva, gpa *uint64) {
	p.LastException = kind
	p.LastFaultVA = faultingVA
	p.LastGVA = gva
	p.LastGPA = gpa
	p.ExceptionCount++
}

func (p *Processor) SetASID(composite vm.SimASID) { p.LastComposite = composite }

func (p *Processor) DebugMode() bool { return p.Debug }

// WritePage is a test/demo convenience for populating a page table: it
// writes a slice of PTEs (4 or 8 bytes each) starting at pa.
func (p *Processor) WritePage(pa uint64, pteBytes int, ptes []uint64) error {
	for i, pte := range ptes {
		addr := pa + uint64(i*pteBytes)
		if !p.WritePTW(addr, pteBytes, pte, vm.ModeSupervisor) {
			return fmt.Errorf("write PTE %d at %#x: out of range", i, addr)
		}
	}
	return nil
}
