// Package conntrack holds the bounded, LRU-evicted flow table that maps
// 5-tuples to the TCP/UDP flow state tracking their SOCKS5 sessions.
package conntrack

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

// Protocol distinguishes the two sub-tables.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == TCP {
		return "tcp"
	}
	return "udp"
}

// FlowKey is the 5-tuple identifying a flow.
type FlowKey struct {
	Proto   Protocol
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

// Flow is the per-flow state stored in the table. Closer is invoked at
// most once, when the flow is evicted or explicitly removed.
type Flow struct {
	Key        FlowKey
	Opened     time.Time
	LastActive time.Time
	BytesIn    uint64
	BytesOut   uint64

	// Closer releases whatever resources (goroutines, SOCKS5
	// connections) belong to this flow, tearing it down silently.
	// Table.Remove and EvictIdle both call it exactly once.
	Closer func()

	// CapacityCloser, if set, is called instead of Closer when the
	// flow is evicted by Table.Insert to make room for a new one (as
	// opposed to an idle timeout or an explicit Remove). It lets the
	// caller notify its peer (e.g. an RST) that the connection was cut
	// out from under it rather than torn down quietly. Falls back to
	// Closer when nil.
	CapacityCloser func()

	elem *list.Element // position in the owning table's LRU list
}

// Stats is a point-in-time snapshot of a sub-table's occupancy.
type Stats struct {
	Active    int
	Capacity  int
	Total     uint64
	Evictions uint64
}

// Table is a thread-safe, capacity-bounded LRU table of flows, keyed by
// FlowKey, with TCP and UDP tracked as independent sub-tables so that
// one protocol filling up never evicts the other's flows.
type Table struct {
	mu sync.Mutex

	tcp *subTable
	udp *subTable
}

type subTable struct {
	capacity  int
	entries   map[FlowKey]*list.Element
	lru       *list.List // front = most recently used
	total     uint64
	evictions uint64
}

func newSubTable(capacity int) *subTable {
	return &subTable{
		capacity: capacity,
		entries:  make(map[FlowKey]*list.Element),
		lru:      list.New(),
	}
}

// NewTable creates a table with the given per-protocol capacities.
func NewTable(tcpCapacity, udpCapacity int) *Table {
	return &Table{
		tcp: newSubTable(tcpCapacity),
		udp: newSubTable(udpCapacity),
	}
}

func (t *Table) subTableFor(proto Protocol) *subTable {
	if proto == TCP {
		return t.tcp
	}
	return t.udp
}

// Get looks up a flow by key, marking it most-recently-used. The
// returned Flow must not be mutated by the caller except through
// Table.Touch/Table.AddBytes.
func (t *Table) Get(key FlowKey) (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.subTableFor(key.Proto)
	elem, ok := st.entries[key]
	if !ok {
		return nil, false
	}
	st.lru.MoveToFront(elem)
	f := elem.Value.(*Flow)
	clone := *f
	return &clone, true
}

// Insert adds a new flow, evicting the least-recently-used entry of
// the same protocol if the sub-table is at capacity. It returns the
// evicted flow, if any, so the caller can invoke its Closer outside
// the table's lock.
func (t *Table) Insert(f *Flow) (evicted *Flow) {
	t.mu.Lock()
	st := t.subTableFor(f.Key.Proto)

	if existing, ok := st.entries[f.Key]; ok {
		st.lru.Remove(existing)
		delete(st.entries, f.Key)
	}

	if st.capacity > 0 && len(st.entries) >= st.capacity {
		oldest := st.lru.Back()
		if oldest != nil {
			evictedFlow := oldest.Value.(*Flow)
			st.lru.Remove(oldest)
			delete(st.entries, evictedFlow.Key)
			st.evictions++
			evicted = evictedFlow
		}
	}

	elem := st.lru.PushFront(f)
	f.elem = elem
	st.entries[f.Key] = elem
	st.total++

	t.mu.Unlock()

	if evicted != nil {
		switch {
		case evicted.CapacityCloser != nil:
			evicted.CapacityCloser()
		case evicted.Closer != nil:
			evicted.Closer()
		}
	}
	return evicted
}

// Touch marks a flow as most-recently-used and stamps LastActive,
// without allocating a clone.
func (t *Table) Touch(key FlowKey, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.subTableFor(key.Proto)
	elem, ok := st.entries[key]
	if !ok {
		return
	}
	st.lru.MoveToFront(elem)
	elem.Value.(*Flow).LastActive = now
}

// AddBytes accumulates byte counters for a flow in place.
func (t *Table) AddBytes(key FlowKey, in, out uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.subTableFor(key.Proto)
	elem, ok := st.entries[key]
	if !ok {
		return
	}
	f := elem.Value.(*Flow)
	f.BytesIn += in
	f.BytesOut += out
}

// Remove deletes a flow and invokes its Closer, if present. It is
// idempotent: removing an absent key is a no-op.
func (t *Table) Remove(key FlowKey) {
	t.mu.Lock()
	st := t.subTableFor(key.Proto)
	elem, ok := st.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	f := elem.Value.(*Flow)
	st.lru.Remove(elem)
	delete(st.entries, key)
	t.mu.Unlock()

	if f.Closer != nil {
		f.Closer()
	}
}

// EvictIdle removes every TCP flow whose LastActive is older than
// tcpOlderThan and every UDP flow whose LastActive is older than
// udpOlderThan, invoking each Closer outside the lock. It returns the
// number of flows evicted per protocol. The two cutoffs are accepted
// separately because TCP and UDP idle timeouts differ.
func (t *Table) EvictIdle(tcpOlderThan, udpOlderThan time.Time) (tcpEvicted, udpEvicted int) {
	tcpEvicted = t.evictIdleSubTable(t.tcp, tcpOlderThan)
	udpEvicted = t.evictIdleSubTable(t.udp, udpOlderThan)
	return tcpEvicted, udpEvicted
}

func (t *Table) evictIdleSubTable(st *subTable, olderThan time.Time) int {
	var toClose []*Flow

	t.mu.Lock()
	for e := st.lru.Back(); e != nil; {
		prev := e.Prev()
		f := e.Value.(*Flow)
		if f.LastActive.After(olderThan) {
			break // list is MRU-ordered front to back; rest are newer
		}
		st.lru.Remove(e)
		delete(st.entries, f.Key)
		st.evictions++
		toClose = append(toClose, f)
		e = prev
	}
	t.mu.Unlock()

	for _, f := range toClose {
		if f.Closer != nil {
			f.Closer()
		}
	}
	return len(toClose)
}

// Stats returns occupancy snapshots for both sub-tables.
func (t *Table) Stats() (tcp, udp Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tcp = Stats{
		Active:    len(t.tcp.entries),
		Capacity:  t.tcp.capacity,
		Total:     t.tcp.total,
		Evictions: t.tcp.evictions,
	}
	udp = Stats{
		Active:    len(t.udp.entries),
		Capacity:  t.udp.capacity,
		Total:     t.udp.total,
		Evictions: t.udp.evictions,
	}
	return tcp, udp
}

// CloseAll removes and closes every tracked flow, of both protocols.
func (t *Table) CloseAll() {
	t.mu.Lock()
	var all []*Flow
	for _, st := range []*subTable{t.tcp, t.udp} {
		for e := st.lru.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*Flow))
		}
		st.entries = make(map[FlowKey]*list.Element)
		st.lru.Init()
	}
	t.mu.Unlock()

	for _, f := range all {
		if f.Closer != nil {
			f.Closer()
		}
	}
}
