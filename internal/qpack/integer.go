// Package qpack implements the session's stateful header-compression codec:
// a QPACK-style encoder/decoder pair sharing a bounded FIFO dynamic table,
// with table updates carried out-of-band on a dedicated encoder stream and
// acknowledgements flowing back on a decoder stream. Decoding a header block
// whose references outrun the observed table updates reports ErrBlocked
// rather than failing; the caller retries once the table catches up.
package qpack

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// errNeedMore is returned by the wire readers when the buffer ends inside a
// value. It is internal: callers buffer the partial bytes and retry on the
// next delivery.
var errNeedMore = errors.New("qpack: truncated input")

// appendPrefixedInt appends v using an n-bit prefix integer (RFC 7541 §5.1
// encoding, shared by QPACK). firstByte carries the pattern bits above the
// prefix; n is 1..8.
func appendPrefixedInt(dst []byte, firstByte byte, n uint8, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, firstByte|byte(v))
	}
	dst = append(dst, firstByte|byte(limit))
	v -= limit
	for v >= 128 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// readPrefixedInt reads an n-bit prefix integer from p. It returns the value
// and the number of bytes consumed, or errNeedMore if p ends mid-integer.
func readPrefixedInt(p []byte, n uint8) (v uint64, consumed int, err error) {
	if len(p) == 0 {
		return 0, 0, errNeedMore
	}
	limit := uint64(1)<<n - 1
	v = uint64(p[0]) & limit
	consumed = 1
	if v < limit {
		return v, consumed, nil
	}
	var shift uint
	for {
		if consumed >= len(p) {
			return 0, 0, errNeedMore
		}
		if shift > 56 {
			return 0, 0, fmt.Errorf("qpack: prefixed integer overflow")
		}
		b := p[consumed]
		consumed++
		v += uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return v, consumed, nil
		}
	}
}

// appendStringLiteral appends a string literal with an n-bit length prefix.
// The byte above the prefix carries the Huffman bit; the string is
// Huffman-coded when that saves bytes.
func appendStringLiteral(dst []byte, firstByte byte, n uint8, s string) []byte {
	huffLen := hpack.HuffmanEncodeLength(s)
	if huffLen < uint64(len(s)) {
		huffBit := byte(1) << (n) // H bit sits immediately above the length prefix
		dst = appendPrefixedInt(dst, firstByte|huffBit, n, huffLen)
		return hpack.AppendHuffmanString(dst, s)
	}
	dst = appendPrefixedInt(dst, firstByte, n, uint64(len(s)))
	return append(dst, s...)
}

// readStringLiteral reads a string literal with an n-bit length prefix,
// honoring the Huffman bit above the prefix.
func readStringLiteral(p []byte, n uint8) (s string, consumed int, err error) {
	if len(p) == 0 {
		return "", 0, errNeedMore
	}
	huffman := p[0]&(1<<n) != 0
	length, used, err := readPrefixedInt(p, n)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(p)-used) < length {
		return "", 0, errNeedMore
	}
	raw := p[used : used+int(length)]
	consumed = used + int(length)
	if !huffman {
		return string(raw), consumed, nil
	}
	decoded, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, fmt.Errorf("qpack: bad huffman string: %w", err)
	}
	return decoded, consumed, nil
}
