package qpack

import (
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// section records the dynamic-table references one encoded header block
// holds until the peer acknowledges or cancels it.
type section struct {
	required uint64   // insert count the block was encoded against
	refs     []uint64 // absolute indices referenced
}

// Encoder turns header lists into header blocks. Encoding is synchronous and
// always succeeds; dynamic-table insertions performed on the way are returned
// as encoder-stream instruction bytes for the caller to ship on the encoder
// stream. Feedback from the peer's decoder stream arrives via
// OnDecoderStreamData.
type Encoder struct {
	table        *dynamicTable
	capacitySent bool

	knownReceived uint64               // highest insert count acknowledged by the peer
	outstanding   map[uint64][]section // stream id -> unacknowledged sections, oldest first
	refCounts     map[uint64]int       // absolute index -> live references

	instBuf []byte // partial decoder-stream instruction bytes
}

// NewEncoder creates an encoder whose dynamic table uses the full negotiated
// capacity.
func NewEncoder(capacity uint64) *Encoder {
	t := newDynamicTable(capacity)
	t.capacity = capacity
	return &Encoder{
		table:       t,
		outstanding: make(map[uint64][]section),
		refCounts:   make(map[uint64]int),
	}
}

// fieldRep is one field line's chosen representation.
type fieldRep struct {
	kind     repKind
	index    uint64 // static index or dynamic absolute index
	name     string
	value    string
	neverIdx bool
}

type repKind uint8

const (
	repIndexedStatic repKind = iota
	repIndexedDynamic
	repLiteralStaticName
	repLiteralDynamicName
	repLiteralLiteralName
)

// EncodeHeaderList encodes headers for the given stream. It returns the
// header block and any encoder-stream instruction bytes produced while
// encoding; the caller must write the instruction bytes to the encoder
// stream before (or together with) the block reaching the peer's session.
func (e *Encoder) EncodeHeaderList(streamID uint64, headers []hpack.HeaderField) (block, instructions []byte, err error) {
	if !e.capacitySent {
		// 001xxxxx: Set Dynamic Table Capacity
		instructions = appendPrefixedInt(instructions, 0x20, 5, e.table.capacity)
		e.capacitySent = true
	}

	reps := make([]fieldRep, 0, len(headers))
	var required uint64
	var refs []uint64

	for _, hf := range headers {
		if hf.Name == "" {
			e.releaseRefs(refs)
			return nil, nil, fmt.Errorf("qpack: empty header field name (value %q)", hf.Value)
		}
		rep, inst := e.chooseRep(hf)
		instructions = append(instructions, inst...)
		if rep.kind == repIndexedDynamic || rep.kind == repLiteralDynamicName {
			// Take the reference immediately so an insert later in this same
			// block cannot evict the entry out from under us.
			e.refCounts[rep.index]++
			refs = append(refs, rep.index)
			if rep.index+1 > required {
				required = rep.index + 1
			}
		}
		reps = append(reps, rep)
	}

	base := e.table.insertCount()

	// Encoded Required Insert Count wraps modulo 2*maxEntries so the prefix
	// stays small regardless of connection lifetime.
	var encodedRIC uint64
	if required > 0 {
		encodedRIC = required%(2*e.table.maxEntries()) + 1
	}
	block = appendPrefixedInt(block, 0, 8, encodedRIC)
	// Sign bit 0: base >= required always holds here because every insert
	// happened before the block was laid out.
	block = appendPrefixedInt(block, 0, 7, base-required)

	for _, rep := range reps {
		switch rep.kind {
		case repIndexedStatic:
			block = appendPrefixedInt(block, 0xc0, 6, rep.index) // 1 T=1
		case repIndexedDynamic:
			block = appendPrefixedInt(block, 0x80, 6, base-1-rep.index) // 1 T=0
		case repLiteralStaticName:
			first := byte(0x50) // 01 N=0 T=1
			if rep.neverIdx {
				first |= 0x20
			}
			block = appendPrefixedInt(block, first, 4, rep.index)
			block = appendStringLiteral(block, 0, 7, rep.value)
		case repLiteralDynamicName:
			first := byte(0x40) // 01 N=0 T=0
			if rep.neverIdx {
				first |= 0x20
			}
			block = appendPrefixedInt(block, first, 4, base-1-rep.index)
			block = appendStringLiteral(block, 0, 7, rep.value)
		case repLiteralLiteralName:
			first := byte(0x20) // 001 N=0
			if rep.neverIdx {
				first |= 0x10
			}
			block = appendStringLiteral(block, first, 3, rep.name)
			block = appendStringLiteral(block, 0, 7, rep.value)
		}
	}

	if len(refs) > 0 {
		e.outstanding[streamID] = append(e.outstanding[streamID], section{required: required, refs: refs})
	}
	return block, instructions, nil
}

// chooseRep picks a representation for one field, inserting into the dynamic
// table when that is possible and worthwhile. Returns any encoder-stream
// instruction bytes the choice produced.
func (e *Encoder) chooseRep(hf hpack.HeaderField) (fieldRep, []byte) {
	if hf.Sensitive {
		// Sensitive fields are never entered into (or matched against) the
		// dynamic table.
		if idx, ok := staticNameIndex[hf.Name]; ok {
			return fieldRep{kind: repLiteralStaticName, index: idx, value: hf.Value, neverIdx: true}, nil
		}
		return fieldRep{kind: repLiteralLiteralName, name: hf.Name, value: hf.Value, neverIdx: true}, nil
	}

	if idx, ok := staticIndex[hpack.HeaderField{Name: hf.Name, Value: hf.Value}]; ok {
		return fieldRep{kind: repIndexedStatic, index: idx}, nil
	}
	if abs, ok := e.table.lookup(hf.Name, hf.Value); ok {
		return fieldRep{kind: repIndexedDynamic, index: abs}, nil
	}

	if inst, ok := e.tryInsert(hf.Name, hf.Value); ok {
		return fieldRep{kind: repIndexedDynamic, index: e.table.insertCount() - 1}, inst
	}

	if idx, ok := staticNameIndex[hf.Name]; ok {
		return fieldRep{kind: repLiteralStaticName, index: idx, value: hf.Value}, nil
	}
	if abs, ok := e.table.lookupName(hf.Name); ok {
		return fieldRep{kind: repLiteralDynamicName, index: abs, value: hf.Value}, nil
	}
	return fieldRep{kind: repLiteralLiteralName, name: hf.Name, value: hf.Value}, nil
}

// tryInsert inserts name/value into the dynamic table if it fits without
// evicting an entry still referenced by an unacknowledged section. Returns
// the encoder-stream instruction bytes on success.
func (e *Encoder) tryInsert(name, value string) ([]byte, bool) {
	need := entrySize(name, value)
	if need > e.table.capacity {
		return nil, false
	}
	// Walk the would-be evictions; bail if any victim is still referenced.
	size := e.table.size
	victim := e.table.dropped
	for size+need > e.table.capacity {
		entry, ok := e.table.at(victim)
		if !ok {
			return nil, false
		}
		if e.refCounts[victim] > 0 {
			return nil, false
		}
		size -= entrySize(entry.Name, entry.Value)
		victim++
	}

	var inst []byte
	if idx, ok := staticNameIndex[name]; ok {
		// 1 T=1: Insert with Name Reference (static)
		inst = appendPrefixedInt(inst, 0xc0, 6, idx)
		inst = appendStringLiteral(inst, 0, 7, value)
	} else if abs, ok := e.table.lookupName(name); ok {
		// 1 T=0: Insert with Name Reference (dynamic, relative to insert count)
		inst = appendPrefixedInt(inst, 0x80, 6, e.table.insertCount()-1-abs)
		inst = appendStringLiteral(inst, 0, 7, value)
	} else {
		// 01: Insert with Literal Name
		inst = appendStringLiteral(inst, 0x40, 5, name)
		inst = appendStringLiteral(inst, 0, 7, value)
	}
	e.table.insert(name, value)
	return inst, true
}

// KnownReceivedCount reports the highest insert count the peer has
// acknowledged.
func (e *Encoder) KnownReceivedCount() uint64 {
	return e.knownReceived
}

// InsertCount reports the encoder table's total insertions.
func (e *Encoder) InsertCount() uint64 {
	return e.table.insertCount()
}

// OnDecoderStreamData consumes feedback bytes from the peer's decoder stream:
// section acknowledgements, stream cancellations, and insert count
// increments. Partial instructions are buffered; delivery may be split at
// any byte boundary.
func (e *Encoder) OnDecoderStreamData(p []byte) error {
	e.instBuf = append(e.instBuf, p...)
	for len(e.instBuf) > 0 {
		b := e.instBuf[0]
		var consumed int
		var err error
		switch {
		case b&0x80 != 0: // 1xxxxxxx: Section Acknowledgement
			var streamID uint64
			streamID, consumed, err = readPrefixedInt(e.instBuf, 7)
			if err == nil {
				err = e.ackSection(streamID)
			}
		case b&0x40 != 0: // 01xxxxxx: Stream Cancellation
			var streamID uint64
			streamID, consumed, err = readPrefixedInt(e.instBuf, 6)
			if err == nil {
				e.cancelStream(streamID)
			}
		default: // 00xxxxxx: Insert Count Increment
			var inc uint64
			inc, consumed, err = readPrefixedInt(e.instBuf, 6)
			if err == nil {
				if inc == 0 || e.knownReceived+inc > e.table.insertCount() {
					err = fmt.Errorf("qpack: invalid insert count increment %d (known %d, inserted %d)",
						inc, e.knownReceived, e.table.insertCount())
				} else {
					e.knownReceived += inc
				}
			}
		}
		if err == errNeedMore {
			return nil
		}
		if err != nil {
			return err
		}
		e.instBuf = e.instBuf[consumed:]
	}
	e.instBuf = nil
	return nil
}

func (e *Encoder) ackSection(streamID uint64) error {
	sections := e.outstanding[streamID]
	if len(sections) == 0 {
		return fmt.Errorf("qpack: section acknowledgement for stream %d with no outstanding section", streamID)
	}
	sec := sections[0]
	if len(sections) == 1 {
		delete(e.outstanding, streamID)
	} else {
		e.outstanding[streamID] = sections[1:]
	}
	e.releaseRefs(sec.refs)
	if sec.required > e.knownReceived {
		e.knownReceived = sec.required
	}
	return nil
}

func (e *Encoder) cancelStream(streamID uint64) {
	for _, sec := range e.outstanding[streamID] {
		e.releaseRefs(sec.refs)
	}
	delete(e.outstanding, streamID)
}

func (e *Encoder) releaseRefs(refs []uint64) {
	for _, abs := range refs {
		if e.refCounts[abs] > 1 {
			e.refCounts[abs]--
		} else {
			delete(e.refCounts, abs)
		}
	}
}
