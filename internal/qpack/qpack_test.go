package qpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestPrefixedIntRoundTrip(t *testing.T) {
	cases := []struct {
		n uint8
		v uint64
	}{
		{5, 0},
		{5, 10},
		{5, 30},     // fits exactly in the prefix
		{5, 31},     // first value needing a continuation byte
		{5, 1337},   // the RFC 7541 worked example
		{7, 127},
		{7, 128},
		{8, 255},
		{6, 1 << 40},
	}
	for _, tc := range cases {
		buf := appendPrefixedInt(nil, 0, tc.n, tc.v)
		got, consumed, err := readPrefixedInt(buf, tc.n)
		require.NoError(t, err, "n=%d v=%d", tc.n, tc.v)
		assert.Equal(t, tc.v, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func TestPrefixedIntTruncated(t *testing.T) {
	buf := appendPrefixedInt(nil, 0, 5, 1337)
	for i := 0; i < len(buf); i++ {
		_, _, err := readPrefixedInt(buf[:i], 5)
		assert.ErrorIs(t, err, errNeedMore, "truncated at %d", i)
	}
}

func TestStringLiteralRoundTrip(t *testing.T) {
	for _, s := range []string{"", "x", "gzip, deflate", "/index.html", "\x00\xff binary"} {
		buf := appendStringLiteral(nil, 0, 7, s)
		got, consumed, err := readStringLiteral(buf, 7)
		require.NoError(t, err, "s=%q", s)
		assert.Equal(t, s, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func reqHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/items/42"},
		{Name: "user-agent", Value: "hqsession-test"},
		{Name: "x-request-id", Value: "abc123"},
	}
}

func TestStaticOnlyRoundTrip(t *testing.T) {
	enc := NewEncoder(0)
	dec := NewDecoder(0)

	headers := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: "accept-encoding", Value: "gzip, deflate, br"},
	}
	block, inst, err := enc.EncodeHeaderList(0, headers)
	require.NoError(t, err)
	require.NoError(t, dec.OnEncoderStreamData(inst))

	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	assert.Equal(t, headers, got)
	// A block with no dynamic references produces no acknowledgement.
	assert.Empty(t, dec.TakeDecoderStream())
}

func TestDynamicRoundTrip(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	headers := reqHeaders()
	block, inst, err := enc.EncodeHeaderList(0, headers)
	require.NoError(t, err)
	assert.NotEmpty(t, inst, "custom fields should be inserted into the table")

	require.NoError(t, dec.OnEncoderStreamData(inst))
	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	assert.Equal(t, headers, got)

	// Feedback closes the loop: the encoder learns the peer caught up.
	require.NoError(t, enc.OnDecoderStreamData(dec.TakeDecoderStream()))
	assert.Equal(t, enc.InsertCount(), enc.KnownReceivedCount())

	// A second request on another stream reuses the table: no further
	// instructions are needed.
	block2, inst2, err := enc.EncodeHeaderList(4, headers)
	require.NoError(t, err)
	assert.Empty(t, inst2)

	got2, err := dec.DecodeHeaderBlock(4, block2)
	require.NoError(t, err)
	assert.Equal(t, headers, got2)
}

func TestDuplicateNamesAndEmptyValuesRoundTrip(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	// Repeated names, an exact duplicate pair, and empty values must all
	// survive in order and in full.
	headers := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "set-cookie", Value: "a=1; Path=/"},
		{Name: "set-cookie", Value: "b=2; Path=/"},
		{Name: "set-cookie", Value: "a=1; Path=/"},
		{Name: "x-flag", Value: ""},
		{Name: "x-trace", Value: "t-9"},
		{Name: "x-flag", Value: ""},
	}
	block, inst, err := enc.EncodeHeaderList(0, headers)
	require.NoError(t, err)
	require.NoError(t, dec.OnEncoderStreamData(inst))

	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	assert.Equal(t, headers, got)

	// The table now holds the repeated fields; a later block must still
	// reproduce every duplicate, not collapse them.
	require.NoError(t, enc.OnDecoderStreamData(dec.TakeDecoderStream()))
	block2, inst2, err := enc.EncodeHeaderList(4, headers)
	require.NoError(t, err)
	assert.Empty(t, inst2)
	got2, err := dec.DecodeHeaderBlock(4, block2)
	require.NoError(t, err)
	assert.Equal(t, headers, got2)
}

func TestBlockedDecodeThenUnblock(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	block, inst, err := enc.EncodeHeaderList(0, reqHeaders())
	require.NoError(t, err)

	// The block arrives ahead of the table updates it depends on.
	_, err = dec.DecodeHeaderBlock(0, block)
	require.ErrorIs(t, err, ErrBlocked)

	ric, err := dec.RequiredInsertCount(block)
	require.NoError(t, err)
	assert.Greater(t, ric, dec.InsertCount())

	require.NoError(t, dec.OnEncoderStreamData(inst))
	assert.GreaterOrEqual(t, dec.InsertCount(), ric)

	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	assert.Equal(t, reqHeaders(), got)
}

func TestEncoderStreamSplitDelivery(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	block, inst, err := enc.EncodeHeaderList(0, reqHeaders())
	require.NoError(t, err)

	// One byte at a time; instructions must reassemble across deliveries.
	for i := range inst {
		require.NoError(t, dec.OnEncoderStreamData(inst[i:i+1]))
	}
	assert.Equal(t, enc.InsertCount(), dec.InsertCount())

	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	assert.Equal(t, reqHeaders(), got)
}

func TestDecoderStreamSplitDelivery(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	block, inst, err := enc.EncodeHeaderList(0, reqHeaders())
	require.NoError(t, err)
	require.NoError(t, dec.OnEncoderStreamData(inst))
	_, err = dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)

	feedback := dec.TakeDecoderStream()
	require.NotEmpty(t, feedback)
	for i := range feedback {
		require.NoError(t, enc.OnDecoderStreamData(feedback[i:i+1]))
	}
	assert.Equal(t, enc.InsertCount(), enc.KnownReceivedCount())
}

func TestInsertCountIncrementWithoutSection(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	_, inst, err := enc.EncodeHeaderList(0, reqHeaders())
	require.NoError(t, err)

	// The decoder announces table growth even before any block is decoded.
	require.NoError(t, dec.OnEncoderStreamData(inst))
	feedback := dec.TakeDecoderStream()
	require.NotEmpty(t, feedback)
	require.NoError(t, enc.OnDecoderStreamData(feedback))
	assert.Equal(t, enc.InsertCount(), enc.KnownReceivedCount())
}

func TestStreamCancellationReleasesReferences(t *testing.T) {
	// Capacity sized for a single entry so stale references block reuse.
	enc := NewEncoder(64)
	dec := NewDecoder(64)

	h1 := []hpack.HeaderField{{Name: "x-token", Value: "aaaaaaaaaaaaaaaaaaaaaaaa"}}
	_, inst, err := enc.EncodeHeaderList(0, h1)
	require.NoError(t, err)
	require.NoError(t, dec.OnEncoderStreamData(inst))

	// A second distinct entry does not fit while stream 0 still references
	// the first, so the encoder falls back without inserting.
	h2 := []hpack.HeaderField{{Name: "x-token", Value: "bbbbbbbbbbbbbbbbbbbbbbbb"}}
	_, inst2, err := enc.EncodeHeaderList(4, h2)
	require.NoError(t, err)
	assert.Empty(t, inst2)
	assert.Equal(t, uint64(1), enc.InsertCount())

	// Cancelling both streams releases the references; the next encode is
	// free to evict and insert.
	dec.CancelStream(0)
	dec.CancelStream(4)
	require.NoError(t, enc.OnDecoderStreamData(dec.TakeDecoderStream()))

	_, inst3, err := enc.EncodeHeaderList(8, h2)
	require.NoError(t, err)
	assert.NotEmpty(t, inst3, "eviction should be possible after the cancels")
	assert.Equal(t, uint64(2), enc.InsertCount())
}

func TestEvictionKeepsAbsoluteIndexing(t *testing.T) {
	enc := NewEncoder(128)
	dec := NewDecoder(128)

	values := []string{"aaaaaaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbbbbbb", "cccccccccccccccccccccccc"}
	for i, v := range values {
		sid := uint64(i * 4)
		block, inst, err := enc.EncodeHeaderList(sid, []hpack.HeaderField{{Name: "x-token", Value: v}})
		require.NoError(t, err)
		require.NoError(t, dec.OnEncoderStreamData(inst))
		got, err := dec.DecodeHeaderBlock(sid, block)
		require.NoError(t, err)
		assert.Equal(t, v, got[0].Value)
		// Ack so the next insert may evict this entry.
		require.NoError(t, enc.OnDecoderStreamData(dec.TakeDecoderStream()))
	}
	assert.Equal(t, uint64(3), enc.InsertCount())
	assert.Equal(t, uint64(3), dec.InsertCount())
}

func TestSensitiveFieldNeverIndexed(t *testing.T) {
	enc := NewEncoder(4096)
	dec := NewDecoder(4096)

	headers := []hpack.HeaderField{
		{Name: "authorization", Value: "Bearer s3cr3t", Sensitive: true},
	}
	block, inst, err := enc.EncodeHeaderList(0, headers)
	require.NoError(t, err)
	require.NoError(t, dec.OnEncoderStreamData(inst))
	// SetCapacity only; the sensitive value must not enter the table.
	assert.Equal(t, uint64(0), enc.InsertCount())

	got, err := dec.DecodeHeaderBlock(0, block)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Sensitive)
	assert.Equal(t, "Bearer s3cr3t", got[0].Value)
}

func TestSectionAckWithoutOutstandingSection(t *testing.T) {
	enc := NewEncoder(4096)
	ack := appendPrefixedInt(nil, 0x80, 7, 0)
	assert.Error(t, enc.OnDecoderStreamData(ack))
}

func TestDecodeInvalidStaticIndex(t *testing.T) {
	dec := NewDecoder(0)
	// Prefix (ric=0, base=0) then an indexed static field far out of range.
	block := appendPrefixedInt(nil, 0, 8, 0)
	block = appendPrefixedInt(block, 0, 7, 0)
	block = appendPrefixedInt(block, 0xc0, 6, 200)
	_, err := dec.DecodeHeaderBlock(0, block)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBlocked)
}

func TestDecodeTruncatedBlock(t *testing.T) {
	enc := NewEncoder(0)
	block, _, err := enc.EncodeHeaderList(0, []hpack.HeaderField{
		{Name: "x-request-id", Value: "abc123"},
	})
	require.NoError(t, err)

	dec := NewDecoder(0)
	// The prefix is two bytes here; cutting inside it or inside the literal
	// field line must fail. (A block cut exactly after the prefix is a legal
	// empty section and is not tested.)
	_, err = dec.DecodeHeaderBlock(0, block[:1])
	assert.Error(t, err)
	for i := 3; i < len(block); i++ {
		_, err := dec.DecodeHeaderBlock(0, block[:i])
		assert.Error(t, err, "truncated at %d", i)
	}
}

func TestCapacityAboveBoundRejected(t *testing.T) {
	dec := NewDecoder(256)
	inst := appendPrefixedInt(nil, 0x20, 5, 4096)
	assert.Error(t, dec.OnEncoderStreamData(inst))
}

func TestDuplicateInstruction(t *testing.T) {
	dec := NewDecoder(4096)
	// Set the capacity, insert "x-a: 1" with a literal name, duplicate it.
	inst := appendPrefixedInt(nil, 0x20, 5, 4096)
	inst = appendStringLiteral(inst, 0x40, 5, "x-a")
	inst = appendStringLiteral(inst, 0, 7, "1")
	inst = appendPrefixedInt(inst, 0x00, 5, 0)
	require.NoError(t, dec.OnEncoderStreamData(inst))
	assert.Equal(t, uint64(2), dec.InsertCount())

	entry, ok := dec.table.at(1)
	require.True(t, ok)
	assert.Equal(t, "x-a", entry.Name)
	assert.Equal(t, "1", entry.Value)
}
