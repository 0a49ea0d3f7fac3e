package vm

import "sort"

// InvalidateMode selects how TLB.InvalidateRange treats non-global
// entries.
type InvalidateMode uint8

const (
	InvalidateAny InvalidateMode = iota
	InvalidateASID
)

// TLB is one of the three per-hart caches (HS, VS1, VS2). Entries are
// kept in a slice sorted by LowVA for range search; released entries go
// on a free list for reuse rather than being collected by the garbage
// collector, mirroring the original's free-list reuse discipline
// without its union-typed overlay.
type TLB struct {
	id      Identity
	entries []*TLBEntry // sorted by LowVA
	free    *TLBEntry   // head of free list, linked through TLBEntry.free
}

// NewTLB creates an empty TLB for the given identity.
func NewTLB(id Identity) *TLB {
	return &TLB{id: id}
}

func (t *TLB) alloc() *TLBEntry {
	if t.free != nil {
		e := t.free
		t.free = e.free
		*e = TLBEntry{}
		return e
	}
	return &TLBEntry{}
}

func (t *TLB) release(e *TLBEntry) {
	*e = TLBEntry{free: t.free}
	t.free = e
}

func (t *TLB) insertSorted(e *TLBEntry) {
	idx := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].LowVA >= e.LowVA })
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

func (t *TLB) removeAt(idx int) *TLBEntry {
	e := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	return e
}

// searchIndex finds the index of the entry whose range contains va, or
// -1. Entries never overlap, so this is a single binary search.
func (t *TLB) searchIndex(va uint64) int {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].HighVA >= va })
	if i < len(t.entries) && t.entries[i].LowVA <= va {
		return i
	}
	return -1
}

// Find returns the entry caching va, if any. An artifact entry found
// during a non-artifact (real) lookup is dropped first and the search
// fails for this call, so that artifact residue never influences live
// runs. Dropping tears down any domain aliases the entry holds
// (clearMapped) before returning it to the free list.
func (t *TLB) Find(va uint64, kind AccessKind) *TLBEntry {
	idx := t.searchIndex(va)
	if idx < 0 {
		return nil
	}
	e := t.entries[idx]
	if e.Artifact && !kind.IsArtifact() {
		t.removeAt(idx)
		e.clearMapped()
		t.release(e)
		return nil
	}
	return e
}

// Install inserts a newly-walked entry into the TLB and returns it.
func (t *TLB) Install(src TLBEntry) *TLBEntry {
	e := t.alloc()
	*e = src
	e.free = nil
	e.TLBID = t.id
	t.insertSorted(e)
	return e
}

// Delete tears down e's domain aliases, removes it from the range
// index, and returns it to the free list: every domain alias referenced
// by e.Mapped is released before e goes back on the free list.
func (t *TLB) Delete(e *TLBEntry) {
	e.clearMapped()
	for i, cur := range t.entries {
		if cur == e {
			t.removeAt(i)
			break
		}
	}
	t.release(e)
}

// InvalidateRange deletes every entry overlapping [lo, hi] that the
// mode/asid policy says must go, calling notify for each one before it
// is released (e.g. so the caller can log it). ANY mode deletes
// everything in range; ASID mode spares global entries and deletes only
// entries whose relevant bits (per their own ASIDMask) agree with key.
// Because a virtual entry's ASIDMask always includes the VMID field
// (see asidMask), an entry tagged under a different VMID than the one
// folded into key fails this equivalence and survives even in ASID
// mode, per spec §4.7's VMID-filtering rule — without needing a
// separate VMID parameter.
func (t *TLB) InvalidateRange(lo, hi uint64, mode InvalidateMode, key SimASID, notify func(*TLBEntry)) {
	var toDelete []*TLBEntry
	for _, e := range t.entries {
		if e.HighVA < lo || e.LowVA > hi {
			continue
		}
		if mode == InvalidateASID {
			if e.GBit {
				continue
			}
			if !Equivalent(e.ASIDMask, e.SimASID, key) {
				continue
			}
		}
		toDelete = append(toDelete, e)
	}
	for _, e := range toDelete {
		if notify != nil {
			notify(e)
		}
		t.Delete(e)
	}
}

// drainFreeList drops every pooled entry, used on TLB teardown.
func (t *TLB) drainFreeList() { t.free = nil }

// All returns every live entry, for save/iteration purposes.
func (t *TLB) All() []*TLBEntry {
	out := make([]*TLBEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports the number of live entries.
func (t *TLB) Len() int { return len(t.entries) }
