package vm

// PMACallback is a registered Physical Memory Attribute check. The core
// does not define memory types itself; it invokes every registered
// callback with the access footprint and honors whatever privilege
// restriction (if any) the callback returns.
type PMACallback func(mode Mode, required Privilege, lowPA, highPA uint64) (granted Privilege, ok bool)

// PMA holds the ordered set of registered callbacks and evaluates them
// during physical refinement. Every callback is consulted; the
// effective grant is the intersection of all of them, so an access must
// pass every registered attribute check to succeed.
type PMA struct {
	callbacks []PMACallback
}

// Register adds a PMA callback.
func (p *PMA) Register(cb PMACallback) {
	p.callbacks = append(p.callbacks, cb)
}

// Check runs every registered callback; it returns ok=false the first
// time a callback rejects the access. It records no cause itself; the
// caller reports the rejection as an access fault.
func (p *PMA) Check(mode Mode, required Privilege, lowPA, highPA uint64) (granted Privilege, ok bool) {
	granted = PrivRead | PrivWrite | PrivExecute
	for _, cb := range p.callbacks {
		g, pass := cb(mode, required, lowPA, highPA)
		if !pass {
			return 0, false
		}
		granted &= g
	}
	return granted, true
}
