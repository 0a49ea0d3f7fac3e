package vm

import (
	"bytes"
	"fmt"
)

// DumpTLB renders every live entry of identity's TLB as one line each,
// in the style of the host CPU's own DumpRegisters: a bytes.Buffer
// filled with fmt.Fprintf calls rather than a templating package.
func (v *VM) DumpTLB(id Identity) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "TLB %s (%d entries):\n", id, v.tlbs[id].Len())
	for _, e := range v.tlbs[id].All() {
		fmt.Fprintf(&buf, "  %s", e)
		if e.Artifact {
			buf.WriteString(" (artifact)")
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// DumpPMP renders every configured PMP region, decoded the way the
// hart's pmpcfg/pmpaddr CSRs would present it.
func (v *VM) DumpPMP() string {
	var buf bytes.Buffer
	for i := 0; i < v.pmp.Count(); i++ {
		lo, hi, active := v.pmp.bounds(i)
		e := v.pmp.entries[i]
		if !active {
			fmt.Fprintf(&buf, "pmp%-2d off\n", i)
			continue
		}
		lock := ""
		if e.Locked {
			lock = " L"
		}
		fmt.Fprintf(&buf, "pmp%-2d %#018x:%#018x %s%s\n", i, lo, hi, e.Priv, lock)
	}
	return buf.String()
}
