// Command rvvmdemo drives internal/vm end to end against the reference
// hostproc.Processor: it builds a tiny Sv39 page table in flat memory,
// asks the core to resolve one virtual address (-va), and prints
// what it finds. It is an exerciser, not a simulator — there is no
// instruction fetch/decode loop here.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/rvvm/internal/hostproc"
	"github.com/tinyrange/rvvm/internal/vm"
)

const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	va := fs.Uint64("va", 0x0000000040000000, "virtual address to translate")
	debug := fs.Bool("debug", false, "enable debug-severity logging from the core")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	host := hostproc.New(1 << 20)
	host.Debug = *debug

	// Build a two-level Sv39 table mapping the 2MiB megapage that
	// contains -va onto physical 0x2000000, rooted at physical page 1.
	const rootPPN = 1
	const leafPPN = 2
	vpn2 := (*va >> 30) & 0x1ff
	if err := host.WritePage(rootPPN<<12, 8, indexedPTE(512, vpn2, (leafPPN<<10)|pteV)); err != nil {
		fmt.Fprintf(os.Stderr, "seed root page table: %v\n", err)
		os.Exit(1)
	}
	vpn1 := (*va >> 21) & 0x1ff
	megapagePPN := uint64(0x10) << 9 // leaf PPN field, superpage-aligned
	leafPTE := (megapagePPN << 10) | pteV | pteR | pteW | pteX | pteA | pteD
	if err := host.WritePage(leafPPN<<12, 8, indexedPTE(512, vpn1, leafPTE)); err != nil {
		fmt.Fprintf(os.Stderr, "seed leaf page table: %v\n", err)
		os.Exit(1)
	}

	host.Satp = (8 << 60) | rootPPN // MODE=Sv39, ASID=0
	host.Priv = vm.ModeSupervisor

	codeDomain := vm.NewDomain("code.S", vm.DomainVirtual)
	dataDomain := vm.NewDomain("data.S", vm.DomainVirtual)

	v := vm.NewVM(host, vm.Config{
		ASIDBits:   16,
		VMIDBits:   14,
		HardwareAD: false,
		PMPGrain:   0,
		PMPCount:   8,
		PAWidth:    56,
	}, map[vm.Mode]*vm.Domain{vm.ModeSupervisor: codeDomain}, map[vm.Mode]*vm.Domain{vm.ModeSupervisor: dataDomain})

	// An unconfigured PMP entry is OFF (inactive), and a region that
	// never matches denies the access outright; leave entry 0 as a
	// single TOR region spanning all of physical memory so this demo
	// exercises translation rather than PMP denial.
	v.PMP().WriteCfg(0, (byte(vm.PMPTOR)<<3)|0x7)
	v.PMP().WriteAddr(0, 0x0fffffffffffffff)

	ok := v.Miss(dataDomain, vm.PrivRead, *va, 8, vm.AccessReal)
	if !ok {
		fmt.Printf("translation of %#x faulted: %s (count=%d)\n", *va, host.LastException, host.ExceptionCount)
		os.Exit(1)
	}

	fmt.Printf("translation of %#x resolved\n", *va)
	fmt.Print(v.DumpTLB(vm.IdentityHS))
	fmt.Print(v.DumpPMP())
}

// indexedPTE builds an n-entry page-table page with a single non-zero
// entry at idx, as a []uint64 ready for hostproc.Processor.WritePage.
func indexedPTE(n int, idx uint64, pte uint64) []uint64 {
	out := make([]uint64, n)
	out[idx] = pte
	return out
}
