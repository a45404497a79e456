package protocol

import (
	"fmt"

	"github.com/busybox42/capstone/pkg/process"
)

// BootstrapIndex is the permanent export every connection starts with.
const BootstrapIndex uint64 = 0

type exportEntry struct {
	cap  process.Capability
	refs uint64
}

// exportTable maps indices we handed to the peer onto local capabilities.
// Indices grow monotonically and are never reused on one connection.
type exportTable struct {
	entries map[uint64]*exportEntry
	byKey   map[process.Key]uint64
	next    uint64
}

func newExportTable(bootstrap process.Capability) *exportTable {
	t := &exportTable{
		entries: make(map[uint64]*exportEntry),
		byKey:   make(map[process.Key]uint64),
		next:    BootstrapIndex + 1,
	}
	if bootstrap.Valid() {
		t.entries[BootstrapIndex] = &exportEntry{cap: bootstrap, refs: 1}
	}
	return t
}

// export takes ownership of c and returns its index. A capability that
// is already exported shares the existing index; dup reports that the
// table kept its earlier reference and c should be released.
//
// A capability without permissions, the subject of a Down, joins any
// export of the same target so the peer can match it to what it holds.
func (t *exportTable) export(c process.Capability) (idx uint64, dup bool) {
	key := c.Key()
	if idx, ok := t.byKey[key]; ok {
		t.entries[idx].refs++
		return idx, true
	}
	if c.Perms() == process.PermNone {
		if idx, ok := t.byTarget(c.Target()); ok {
			t.entries[idx].refs++
			return idx, true
		}
	}
	idx = t.next
	t.next++
	t.entries[idx] = &exportEntry{cap: c, refs: 1}
	t.byKey[key] = idx
	return idx, false
}

// byTarget finds the oldest export of target.
func (t *exportTable) byTarget(target process.Target) (uint64, bool) {
	found, ok := uint64(0), false
	for idx, e := range t.entries {
		if e.cap.Target() == target && (!ok || idx < found) {
			found, ok = idx, true
		}
	}
	return found, ok
}

func (t *exportTable) get(idx uint64) (process.Capability, bool) {
	e, ok := t.entries[idx]
	if !ok {
		return process.Capability{}, false
	}
	return e.cap, true
}

// release drops count references. The freed capability, if any, is
// returned for the caller to release outside its lock.
func (t *exportTable) release(idx, count uint64) (process.Capability, error) {
	if idx == BootstrapIndex {
		if _, ok := t.entries[idx]; !ok {
			return process.Capability{}, ErrUnknownIndex
		}
		return process.Capability{}, nil
	}
	e, ok := t.entries[idx]
	if !ok {
		return process.Capability{}, ErrUnknownIndex
	}
	if count > e.refs {
		return process.Capability{}, fmt.Errorf("%w: %d > %d", ErrOverRelease, count, e.refs)
	}
	e.refs -= count
	if e.refs > 0 {
		return process.Capability{}, nil
	}
	delete(t.entries, idx)
	delete(t.byKey, e.cap.Key())
	return e.cap, nil
}

// drain empties the table and returns every held capability.
func (t *exportTable) drain() []process.Capability {
	caps := make([]process.Capability, 0, len(t.entries))
	for idx, e := range t.entries {
		if idx != BootstrapIndex {
			caps = append(caps, e.cap)
		}
	}
	t.entries = make(map[uint64]*exportEntry)
	t.byKey = make(map[process.Key]uint64)
	return caps
}

func (t *exportTable) len() int {
	return len(t.entries)
}

type importEntry struct {
	proxy *proxy
	// received counts references the peer sent us; it is what a Release
	// gives back.
	received uint64
	// local counts Capability references held on this side.
	local uint64
}

type importTable struct {
	entries map[uint64]*importEntry
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[uint64]*importEntry)}
}

// receive records one more reference to idx and returns its proxy.
func (t *importTable) receive(idx uint64, mk func() *proxy) *proxy {
	if e, ok := t.entries[idx]; ok {
		e.received++
		e.local++
		return e.proxy
	}
	p := mk()
	t.entries[idx] = &importEntry{proxy: p, received: 1, local: 1}
	return p
}

func (t *importTable) live(p *proxy) (*importEntry, bool) {
	e, ok := t.entries[p.index]
	if !ok || e.proxy != p {
		return nil, false
	}
	return e, true
}

func (t *importTable) retain(p *proxy) {
	if e, ok := t.live(p); ok {
		e.local++
	}
}

// release drops one local reference. When the last one goes it returns
// the count to hand back to the peer.
func (t *importTable) release(p *proxy) (uint64, bool) {
	e, ok := t.live(p)
	if !ok || e.local == 0 {
		return 0, false
	}
	e.local--
	if e.local > 0 {
		return 0, false
	}
	delete(t.entries, p.index)
	return e.received, true
}

func (t *importTable) drain() []*proxy {
	proxies := make([]*proxy, 0, len(t.entries))
	for _, e := range t.entries {
		proxies = append(proxies, e.proxy)
	}
	t.entries = make(map[uint64]*importEntry)
	return proxies
}

func (t *importTable) len() int {
	return len(t.entries)
}
