package vm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TLB save/restore uses the same header-plus-binary.Read/Write shape as
// the host simulator's own snapshot format (see e.g. the hv/kvm and
// hv/whp snapshot_io.go files): a magic/version pair, then one section
// per TLB identity with an explicit record count so the boundary
// between records never has to be inferred. Only non-artifact entries
// round-trip, since artifact residue never influences live runs; domain
// aliases are not saved — the host re-installs them lazily the next
// time Miss is called for a restored entry.
const (
	tlbSnapshotMagic   uint32 = 0x544c4253 // "TLBS"
	tlbSnapshotVersion uint32 = 1
)

type tlbEntryRecord struct {
	LowVA    uint64
	HighVA   uint64
	PA       uint64
	SimASID  uint64
	ASIDMask uint64
	Priv     uint8
	Flags    uint8 // bit0 U, bit1 G, bit2 A, bit3 D
}

func packFlags(e *TLBEntry) uint8 {
	var f uint8
	if e.UBit {
		f |= 1 << 0
	}
	if e.GBit {
		f |= 1 << 1
	}
	if e.ABit {
		f |= 1 << 2
	}
	if e.DBit {
		f |= 1 << 3
	}
	return f
}

func (r tlbEntryRecord) toEntry(id Identity) TLBEntry {
	return TLBEntry{
		LowVA:    r.LowVA,
		HighVA:   r.HighVA,
		PA:       r.PA,
		Priv:     Privilege(r.Priv),
		UBit:     r.Flags&(1<<0) != 0,
		GBit:     r.Flags&(1<<1) != 0,
		ABit:     r.Flags&(1<<2) != 0,
		DBit:     r.Flags&(1<<3) != 0,
		TLBID:    id,
		SimASID:  SimASID(r.SimASID),
		ASIDMask: SimASID(r.ASIDMask),
	}
}

// SaveTLB writes every non-artifact entry across all three identities
// to w, in HS, VS1, VS2 order.
func (v *VM) SaveTLB(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, tlbSnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, tlbSnapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	for _, id := range [...]Identity{IdentityHS, IdentityVS1, IdentityVS2} {
		live := v.tlbs[id].All()
		var records []tlbEntryRecord
		for _, e := range live {
			if e.Artifact {
				continue
			}
			records = append(records, tlbEntryRecord{
				LowVA:    e.LowVA,
				HighVA:   e.HighVA,
				PA:       e.PA,
				SimASID:  uint64(e.SimASID),
				ASIDMask: uint64(e.ASIDMask),
				Priv:     uint8(e.Priv),
				Flags:    packFlags(e),
			})
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(records))); err != nil {
			return fmt.Errorf("write %s count: %w", id, err)
		}
		for _, rec := range records {
			if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
				return fmt.Errorf("write %s record: %w", id, err)
			}
		}
	}
	return nil
}

// RestoreTLB replaces every TLB's contents with the entries read from
// r. Existing entries (and their domain aliases) are torn down first.
func (v *VM) RestoreTLB(r io.Reader) error {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != tlbSnapshotMagic {
		return fmt.Errorf("invalid TLB snapshot magic: %#x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != tlbSnapshotVersion {
		return fmt.Errorf("unsupported TLB snapshot version: %d", version)
	}

	for _, id := range [...]Identity{IdentityHS, IdentityVS1, IdentityVS2} {
		t := v.tlbs[id]
		for _, e := range t.All() {
			t.Delete(e)
		}

		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("read %s count: %w", id, err)
		}
		for i := uint32(0); i < count; i++ {
			var rec tlbEntryRecord
			if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
				return fmt.Errorf("read %s record %d: %w", id, i, err)
			}
			t.Install(rec.toEntry(id))
		}
	}
	return nil
}
