package qpack

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// ErrBlocked is reported by DecodeHeaderBlock when the block references
// dynamic-table insertions that have not arrived on the encoder stream yet.
// The caller retains the block bytes and retries after the next
// OnEncoderStreamData delivery advances the insert count.
var ErrBlocked = errors.New("qpack: header block blocked on table updates")

// Decoder turns header blocks back into header lists, applying table-update
// instructions delivered out-of-band on the encoder stream. Feedback for the
// peer's encoder (section acknowledgements, stream cancellations, insert
// count increments) accumulates internally and is drained with
// TakeDecoderStream.
type Decoder struct {
	table *dynamicTable

	encBuf    []byte // partial encoder-stream instruction bytes
	out       []byte // pending decoder-stream feedback bytes
	announced uint64 // insert count already conveyed to the peer's encoder
}

// NewDecoder creates a decoder whose dynamic table capacity may be raised by
// the peer up to maxCapacity.
func NewDecoder(maxCapacity uint64) *Decoder {
	return &Decoder{table: newDynamicTable(maxCapacity)}
}

// InsertCount reports the total number of dynamic-table insertions observed.
func (d *Decoder) InsertCount() uint64 {
	return d.table.insertCount()
}

// OnEncoderStreamData applies table-update instruction bytes. Instructions
// may be split at arbitrary byte boundaries across deliveries; partial bytes
// are buffered. Errors are connection-fatal for the caller.
func (d *Decoder) OnEncoderStreamData(p []byte) error {
	d.encBuf = append(d.encBuf, p...)
	for len(d.encBuf) > 0 {
		consumed, err := d.applyInstruction(d.encBuf)
		if err == errNeedMore {
			break
		}
		if err != nil {
			return err
		}
		d.encBuf = d.encBuf[consumed:]
	}
	if len(d.encBuf) == 0 {
		d.encBuf = nil
	}
	// Announce table growth the peer's encoder has not had confirmed yet.
	if ic := d.table.insertCount(); ic > d.announced {
		d.out = appendPrefixedInt(d.out, 0x00, 6, ic-d.announced)
		d.announced = ic
	}
	return nil
}

// applyInstruction decodes and applies a single encoder-stream instruction
// from p, returning the bytes consumed.
func (d *Decoder) applyInstruction(p []byte) (int, error) {
	b := p[0]
	switch {
	case b&0x80 != 0: // 1Txxxxxx: Insert with Name Reference
		static := b&0x40 != 0
		nameIdx, used, err := readPrefixedInt(p, 6)
		if err != nil {
			return 0, err
		}
		value, vused, err := readStringLiteral(p[used:], 7)
		if err != nil {
			return 0, err
		}
		var name string
		if static {
			if nameIdx >= uint64(len(staticTable)) {
				return 0, fmt.Errorf("qpack: insert references static index %d out of range", nameIdx)
			}
			name = staticTable[nameIdx].Name
		} else {
			// Relative to the insert count at the time of this instruction.
			ic := d.table.insertCount()
			if nameIdx >= ic {
				return 0, fmt.Errorf("qpack: insert references dynamic index %d beyond insert count %d", nameIdx, ic)
			}
			entry, ok := d.table.at(ic - 1 - nameIdx)
			if !ok {
				return 0, fmt.Errorf("qpack: insert references evicted dynamic entry")
			}
			name = entry.Name
		}
		d.table.insert(name, value)
		return used + vused, nil

	case b&0x40 != 0: // 01Hxxxxx: Insert with Literal Name
		name, used, err := readStringLiteral(p, 5)
		if err != nil {
			return 0, err
		}
		value, vused, err := readStringLiteral(p[used:], 7)
		if err != nil {
			return 0, err
		}
		d.table.insert(name, value)
		return used + vused, nil

	case b&0x20 != 0: // 001xxxxx: Set Dynamic Table Capacity
		capacity, used, err := readPrefixedInt(p, 5)
		if err != nil {
			return 0, err
		}
		if err := d.table.setCapacity(capacity); err != nil {
			return 0, err
		}
		return used, nil

	default: // 000xxxxx: Duplicate
		rel, used, err := readPrefixedInt(p, 5)
		if err != nil {
			return 0, err
		}
		ic := d.table.insertCount()
		if rel >= ic {
			return 0, fmt.Errorf("qpack: duplicate references index %d beyond insert count %d", rel, ic)
		}
		entry, ok := d.table.at(ic - 1 - rel)
		if !ok {
			return 0, fmt.Errorf("qpack: duplicate references evicted entry")
		}
		d.table.insert(entry.Name, entry.Value)
		return used, nil
	}
}

// RequiredInsertCount decodes just the header block prefix and reports the
// insert count the block was encoded against, without touching any state.
func (d *Decoder) RequiredInsertCount(block []byte) (uint64, error) {
	ric, _, _, err := d.readPrefix(block)
	if err == errNeedMore {
		return 0, fmt.Errorf("qpack: truncated header block prefix")
	}
	return ric, err
}

// readPrefix parses the encoded Required Insert Count and Base from the
// block prefix.
func (d *Decoder) readPrefix(block []byte) (ric, base uint64, consumed int, err error) {
	encodedRIC, used, err := readPrefixedInt(block, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	consumed = used

	if encodedRIC != 0 {
		maxEntries := d.table.maxEntries()
		fullRange := 2 * maxEntries
		if fullRange == 0 || encodedRIC > fullRange {
			return 0, 0, 0, fmt.Errorf("qpack: encoded required insert count %d out of range", encodedRIC)
		}
		maxValue := d.table.insertCount() + maxEntries
		maxWrapped := (maxValue / fullRange) * fullRange
		ric = maxWrapped + encodedRIC - 1
		if ric > maxValue {
			if ric <= fullRange {
				return 0, 0, 0, fmt.Errorf("qpack: required insert count underflow")
			}
			ric -= fullRange
		}
		if ric == 0 {
			return 0, 0, 0, fmt.Errorf("qpack: required insert count reconstructed to zero")
		}
	}

	if consumed >= len(block) {
		return 0, 0, 0, errNeedMore
	}
	sign := block[consumed]&0x80 != 0
	delta, used, err := readPrefixedInt(block[consumed:], 7)
	if err != nil {
		return 0, 0, 0, err
	}
	consumed += used
	if sign {
		if delta+1 > ric {
			return 0, 0, 0, fmt.Errorf("qpack: negative base")
		}
		base = ric - delta - 1
	} else {
		base = ric + delta
	}
	return ric, base, consumed, nil
}

// DecodeHeaderBlock decodes one complete header block for the given stream.
// It returns ErrBlocked when the block's required insert count exceeds the
// insertions observed so far; any other error indicates a malformed or
// invalid block and is connection-fatal for the caller. On success a section
// acknowledgement is queued on the decoder stream when the block depended on
// the dynamic table.
func (d *Decoder) DecodeHeaderBlock(streamID uint64, block []byte) ([]hpack.HeaderField, error) {
	ric, base, consumed, err := d.readPrefix(block)
	if err != nil {
		if err == errNeedMore {
			return nil, fmt.Errorf("qpack: truncated header block prefix")
		}
		return nil, err
	}
	if ric > d.table.insertCount() {
		return nil, ErrBlocked
	}

	var headers []hpack.HeaderField
	p := block[consumed:]
	for len(p) > 0 {
		hf, used, err := d.readFieldLine(p, base)
		if err != nil {
			if err == errNeedMore {
				return nil, fmt.Errorf("qpack: truncated field line")
			}
			return nil, err
		}
		headers = append(headers, hf)
		p = p[used:]
	}

	if ric > 0 {
		// 1xxxxxxx: Section Acknowledgement
		d.out = appendPrefixedInt(d.out, 0x80, 7, streamID)
		if ric > d.announced {
			d.announced = ric
		}
	}
	return headers, nil
}

// readFieldLine decodes one field line against the given base.
func (d *Decoder) readFieldLine(p []byte, base uint64) (hpack.HeaderField, int, error) {
	b := p[0]
	switch {
	case b&0x80 != 0: // 1Txxxxxx: Indexed Field Line
		static := b&0x40 != 0
		idx, used, err := readPrefixedInt(p, 6)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		if static {
			if idx >= uint64(len(staticTable)) {
				return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: static index %d", idx)
			}
			return staticTable[idx], used, nil
		}
		if idx >= base {
			return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: relative index %d with base %d", idx, base)
		}
		entry, ok := d.table.at(base - 1 - idx)
		if !ok {
			return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: dynamic entry %d not live", base-1-idx)
		}
		return entry, used, nil

	case b&0xc0 == 0x40: // 01NTxxxx: Literal Field Line with Name Reference
		static := b&0x10 != 0
		sensitive := b&0x20 != 0
		idx, used, err := readPrefixedInt(p, 4)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		var name string
		if static {
			if idx >= uint64(len(staticTable)) {
				return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: static name index %d", idx)
			}
			name = staticTable[idx].Name
		} else {
			if idx >= base {
				return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: relative name index %d with base %d", idx, base)
			}
			entry, ok := d.table.at(base - 1 - idx)
			if !ok {
				return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: dynamic name entry not live")
			}
			name = entry.Name
		}
		value, vused, err := readStringLiteral(p[used:], 7)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		return hpack.HeaderField{Name: name, Value: value, Sensitive: sensitive}, used + vused, nil

	case b&0xe0 == 0x20: // 001NHxxx: Literal Field Line with Literal Name
		sensitive := b&0x10 != 0
		name, used, err := readStringLiteral(p, 3)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		value, vused, err := readStringLiteral(p[used:], 7)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		return hpack.HeaderField{Name: name, Value: value, Sensitive: sensitive}, used + vused, nil

	case b&0xf0 == 0x10: // 0001xxxx: Indexed Field Line with Post-Base Index
		rel, used, err := readPrefixedInt(p, 4)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		entry, ok := d.table.at(base + rel)
		if !ok {
			return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: post-base entry %d not live", base+rel)
		}
		return entry, used, nil

	default: // 0000NHxx: Literal Field Line with Post-Base Name Reference
		sensitive := b&0x08 != 0
		rel, used, err := readPrefixedInt(p, 3)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		entry, ok := d.table.at(base + rel)
		if !ok {
			return hpack.HeaderField{}, 0, fmt.Errorf("qpack: invalid reference: post-base name entry not live")
		}
		value, vused, err := readStringLiteral(p[used:], 7)
		if err != nil {
			return hpack.HeaderField{}, 0, err
		}
		return hpack.HeaderField{Name: entry.Name, Value: value, Sensitive: sensitive}, used + vused, nil
	}
}

// CancelStream queues a stream cancellation on the decoder stream. The
// session calls this when a stream with outstanding codec state is reset or
// aborted so the peer's encoder can release its tracked references.
func (d *Decoder) CancelStream(streamID uint64) {
	// 01xxxxxx: Stream Cancellation
	d.out = appendPrefixedInt(d.out, 0x40, 6, streamID)
}

// TakeDecoderStream drains the pending decoder-stream feedback bytes. The
// caller writes them to the decoder stream.
func (d *Decoder) TakeDecoderStream() []byte {
	out := d.out
	d.out = nil
	return out
}
