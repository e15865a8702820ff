package h3

import (
	"testing"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/hqsession/internal/config"
	"example.com/hqsession/internal/logger"
)

func u64ptr(v uint64) *uint64 { return &v }
func boolptr(v bool) *bool    { return &v }
func durptr(d time.Duration) *config.Duration {
	return &config.Duration{Duration: d}
}

func TestSessionOpensCriticalStreams(t *testing.T) {
	_, _, tr, _ := testSetup(nil)

	// Control stream preface + SETTINGS + MAX_PUSH_ID.
	ctrl := tr.writes[2]
	require.NotEmpty(t, ctrl)
	typ, n, err := quicvarint.Parse(ctrl)
	require.NoError(t, err)
	assert.Equal(t, streamTypeControl, typ)
	frameType, _, err := quicvarint.Parse(ctrl[n:])
	require.NoError(t, err)
	assert.Equal(t, uint64(FrameSettings), frameType)

	// Encoder and decoder stream prefaces.
	assert.Equal(t, quicvarint.Append(nil, streamTypeQPACKEncoder), tr.writes[6])
	assert.Equal(t, quicvarint.Append(nil, streamTypeQPACKDecoder), tr.writes[10])
}

func TestRequestResponseRoundTrip(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), txn.ID())

	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))
	require.NoError(t, txn.SendEOM())
	assert.NotEmpty(t, tr.writes[0], "HEADERS frame on the request stream")
	assert.True(t, tr.fins[0])

	peer.respond(0, okResponseHeaders(), []byte("hello"), true)

	require.Equal(t, []string{"headers", "body", "eom", "detach"}, h.names())
	assert.Equal(t, okResponseHeaders(), h.events[0].headers)
	assert.Equal(t, uint64(0), h.events[1].offset)
	assert.Equal(t, []byte("hello"), h.events[1].data)

	// The response used the dynamic table, so acknowledgements flowed on
	// the decoder stream.
	assert.Greater(t, len(tr.writes[10]), 1)
}

func TestBlockedDecodeResolvedByTableUpdates(t *testing.T) {
	sess, peer, _, clock := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))
	require.NoError(t, txn.SendEOM())

	headers := []hpack.HeaderField{
		{Name: "x-a", Value: "alpha"},
		{Name: "x-b", Value: "beta"},
		{Name: "x-c", Value: "gamma"},
	}
	block, instructions := peer.encodeBlock(0, headers)
	require.NotEmpty(t, instructions)

	// Header block outruns its table updates: nothing may be delivered yet.
	sess.OnStreamData(0, appendFrame(nil, FrameHeaders, block), false)
	assert.Empty(t, h.events)

	// Table updates trickle in a byte at a time. Delivery happens exactly
	// once, only when the insert count finally reaches the block's
	// requirement.
	for i := range instructions {
		assert.Empty(t, h.events, "still blocked before byte %d", i)
		peer.deliverInstructions(instructions[i : i+1])
	}
	require.Equal(t, []string{"headers"}, h.names())
	assert.Equal(t, headers, h.events[0].headers)

	// The decode timer must be disarmed: no error later.
	sess.OnTick(clock.advance(time.Hour))
	assert.Equal(t, []string{"headers"}, h.names())

	sess.OnStreamData(0, appendFrame(nil, FrameData, []byte("body")), true)
	assert.Equal(t, []string{"headers", "body", "eom", "detach"}, h.names())
}

func TestBlockedDecodeTimeout(t *testing.T) {
	cfg := &config.SessionConfig{BlockedDecodeTimeout: durptr(100 * time.Millisecond)}
	sess, peer, tr, clock := testSetup(cfg)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))

	block, instructions := peer.encodeBlock(0, []hpack.HeaderField{{Name: "x-a", Value: "alpha"}})
	require.NotEmpty(t, instructions)
	feedbackBefore := len(tr.writes[10])
	sess.OnStreamData(0, appendFrame(nil, FrameHeaders, block), false)
	assert.Empty(t, h.events)

	sess.OnTick(clock.advance(200 * time.Millisecond))

	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindTimeout, h.events[0].kind)
	assert.Equal(t, ErrCodeRequestCancelled, tr.resets[0])
	// The abandoned decode context was cancelled toward the peer's encoder.
	assert.Greater(t, len(tr.writes[10]), feedbackBefore)
	assert.Equal(t, 0, tr.closeCount, "connection survives a local stream error")

	// Table updates arriving after the reset are a no-op.
	peer.deliverInstructions(instructions)
	assert.Equal(t, []string{"error", "detach"}, h.names())
}

func TestSecondBlockQueuesBehindFirst(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))

	respHeaders := []hpack.HeaderField{{Name: "x-a", Value: "alpha"}}
	block1, instructions := peer.encodeBlock(0, respHeaders)
	require.NotEmpty(t, instructions)
	// Trailers that only touch the static table and could decode right now.
	trailers := []hpack.HeaderField{{Name: "accept", Value: "*/*"}}
	block2, extra := peer.encodeBlock(0, trailers)
	require.Empty(t, extra)

	sess.OnStreamData(0, appendFrame(nil, FrameHeaders, block1), false)
	sess.OnStreamData(0, appendFrame(nil, FrameHeaders, block2), false)
	assert.Empty(t, h.events, "second block must not jump the queue")

	peer.deliverInstructions(instructions)
	require.Equal(t, []string{"headers", "headers"}, h.names())
	assert.Equal(t, respHeaders, h.events[0].headers)
	assert.Equal(t, trailers, h.events[1].headers)
}

func TestSettingsTwiceIsConnectionError(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	_, err := sess.NewTransaction(h)
	require.NoError(t, err)

	peer.controlFrame(FrameSettings, appendSettings(nil, settings{qpackMaxTableCapacity: 4096}))

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeFrameUnexpected, tr.closeCode)
	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindProtocolError, h.events[0].kind)
}

func TestGoawayBeforeSettingsIsConnectionError(t *testing.T) {
	tr := newMockTransport()
	sess, err := NewSession(nil, tr, nil, logger.NewNop(), newFakeClock())
	require.NoError(t, err)

	buf := quicvarint.Append(nil, streamTypeControl)
	buf = appendFrame(buf, FrameGoaway, quicvarint.Append(nil, 0))
	sess.OnStreamData(3, buf, false)

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeMissingSettings, tr.closeCode)
}

func TestControlStreamCloseIsFatal(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	sess.OnStreamData(peer.ctrlID, nil, true)
	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeClosedCriticalStream, tr.closeCode)
}

func TestEncoderStreamResetIsFatal(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	sess.OnStreamReset(peer.encID, ErrCodeNoError)
	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeClosedCriticalStream, tr.closeCode)
}

func TestStreamResetCancelsBlockedDecode(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))

	block, instructions := peer.encodeBlock(0, []hpack.HeaderField{{Name: "x-a", Value: "alpha"}})
	sess.OnStreamData(0, appendFrame(nil, FrameHeaders, block), false)
	feedbackBefore := len(tr.writes[10])

	sess.OnStreamReset(0, ErrCodeRequestRejected)

	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindStreamReset, h.events[0].kind)
	assert.Greater(t, len(tr.writes[10]), feedbackBefore, "stream cancellation sent")

	// Late table updates find no context; nothing fires after detach.
	peer.deliverInstructions(instructions)
	assert.Equal(t, []string{"error", "detach"}, h.names())
}

func TestAbortDetachesWithoutError(t *testing.T) {
	sess, _, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))

	txn.Abort()
	txn.Abort() // second call is a no-op

	require.Equal(t, []string{"detach"}, h.names())
	assert.Equal(t, ErrCodeRequestCancelled, tr.resets[0])
	assert.ErrorIs(t, txn.SendBody([]byte("late")), errTransactionDetached)
}

func TestTransportConnectionError(t *testing.T) {
	sess, _, _, _ := testSetup(nil)

	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	_, err := sess.NewTransaction(h1)
	require.NoError(t, err)
	_, err = sess.NewTransaction(h2)
	require.NoError(t, err)

	sess.OnConnectionError(ErrCodeConnectError, "0-rtt rejected")

	for _, h := range []*recordingHandler{h1, h2} {
		require.Equal(t, []string{"error", "detach"}, h.names())
		assert.Equal(t, KindTransportError, h.events[0].kind)
	}
	_, err = sess.NewTransaction(&recordingHandler{})
	assert.ErrorIs(t, err, errSessionClosed)
}

func TestDropConnectionIsIdempotent(t *testing.T) {
	sess, _, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	_, err := sess.NewTransaction(h)
	require.NoError(t, err)

	sess.DropConnection()
	sess.DropConnection()

	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindDropped, h.events[0].kind)
	assert.Equal(t, 1, tr.closeCount)
}

func TestCloseWhenIdle(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)

	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))
	require.NoError(t, txn.SendEOM())

	sess.CloseWhenIdle()
	assert.Equal(t, 0, tr.closeCount, "in-flight transaction holds the session open")
	_, err = sess.NewTransaction(&recordingHandler{})
	assert.ErrorIs(t, err, errSessionDraining)

	peer.respond(0, okResponseHeaders(), nil, true)

	require.Equal(t, []string{"headers", "eom", "detach"}, h.names())
	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeNoError, tr.closeCode)
}

func TestCloseWhenIdleWithNoTransactions(t *testing.T) {
	sess, _, tr, _ := testSetup(nil)
	sess.CloseWhenIdle()
	assert.Equal(t, 1, tr.closeCount)
}
