package qpack

import (
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// entryOverhead is the per-entry size overhead charged against the table
// capacity, in addition to the name and value lengths (RFC 9204 §3.2.1).
const entryOverhead = 32

func entrySize(name, value string) uint64 {
	return uint64(len(name)) + uint64(len(value)) + entryOverhead
}

// dynamicTable is the mutable half of the codec's header table. Entries are
// addressed by absolute index: the first insertion ever is index 0 and the
// count only grows; evicted entries leave a gap at the bottom tracked by
// dropped. Eviction is strictly FIFO.
type dynamicTable struct {
	entries  []hpack.HeaderField // entries[0] is the oldest live entry
	dropped  uint64              // number of entries evicted so far
	size     uint64              // current size in bytes
	capacity uint64              // current capacity in bytes
	maxCap   uint64              // negotiated upper bound for capacity
}

func newDynamicTable(maxCapacity uint64) *dynamicTable {
	return &dynamicTable{maxCap: maxCapacity}
}

// insertCount is the total number of insertions observed, including evicted
// entries.
func (t *dynamicTable) insertCount() uint64 {
	return t.dropped + uint64(len(t.entries))
}

// maxEntries bounds the number of simultaneously-live entries and anchors
// the wrapped Required Insert Count encoding.
func (t *dynamicTable) maxEntries() uint64 {
	return t.maxCap / entryOverhead
}

// setCapacity resizes the table, evicting oldest entries until the contents
// fit. A capacity above the negotiated maximum is a protocol violation.
func (t *dynamicTable) setCapacity(capacity uint64) error {
	if capacity > t.maxCap {
		return fmt.Errorf("qpack: table capacity %d exceeds negotiated maximum %d", capacity, t.maxCap)
	}
	t.capacity = capacity
	t.evictFor(0)
	return nil
}

// evictFor evicts oldest entries until needed additional bytes fit within
// capacity. It reports whether the space could be made. A needed value
// larger than the whole capacity empties the table and reports false.
func (t *dynamicTable) evictFor(needed uint64) bool {
	for t.size+needed > t.capacity && len(t.entries) > 0 {
		oldest := t.entries[0]
		t.size -= entrySize(oldest.Name, oldest.Value)
		t.entries = t.entries[1:]
		t.dropped++
	}
	return t.size+needed <= t.capacity
}

// insert appends a new entry, evicting as needed. An entry too large to fit
// even in an empty table leaves the table empty; the insertion still counts
// toward the insert count so both sides stay in step.
func (t *dynamicTable) insert(name, value string) {
	need := entrySize(name, value)
	if !t.evictFor(need) {
		// Entry cannot fit at all. The table is now empty; record the
		// insertion without retaining it.
		t.dropped++
		return
	}
	t.entries = append(t.entries, hpack.HeaderField{Name: name, Value: value})
	t.size += need
}

// at returns the entry with the given absolute index. The second result is
// false when the index is either not yet inserted or already evicted.
func (t *dynamicTable) at(absIndex uint64) (hpack.HeaderField, bool) {
	if absIndex < t.dropped || absIndex >= t.insertCount() {
		return hpack.HeaderField{}, false
	}
	return t.entries[absIndex-t.dropped], true
}

// lookup finds the newest live entry matching name and value exactly,
// returning its absolute index.
func (t *dynamicTable) lookup(name, value string) (uint64, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Name == name && t.entries[i].Value == value {
			return t.dropped + uint64(i), true
		}
	}
	return 0, false
}

// lookupName finds the newest live entry whose name matches, returning its
// absolute index.
func (t *dynamicTable) lookupName(name string) (uint64, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Name == name {
			return t.dropped + uint64(i), true
		}
	}
	return 0, false
}
