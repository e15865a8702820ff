package h3

import (
	"bytes"
	"testing"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"example.com/hqsession/internal/config"
	"example.com/hqsession/internal/logger"
)

func pushedHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/css"},
	}
}

// openOwner opens a request transaction that can receive promises.
func openOwner(t *testing.T, sess *Session) (*Transaction, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	txn, err := sess.NewTransaction(h)
	require.NoError(t, err)
	require.NoError(t, txn.SendHeaders(defaultRequestHeaders()))
	require.NoError(t, txn.SendEOM())
	return txn, h
}

func TestPushPromiseThenStream(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 0, pushedHeaders())
	assert.Empty(t, h.events, "promise alone announces nothing")

	streamID := peer.pushStream(0, []byte("body of the push"), true)

	require.Equal(t, []string{"push", "headers", "body", "eom", "detach"}, h.names())
	assert.Equal(t, pushedHeaders(), h.events[0].headers)
	require.NotNil(t, h.events[0].pushTxn)
	pushID, isPush := h.events[0].pushTxn.PushID()
	assert.True(t, isPush)
	assert.Equal(t, uint64(0), pushID)
	assert.Equal(t, streamID, h.events[0].pushTxn.ID())
	assert.Equal(t, pushedHeaders(), h.events[1].headers)
	assert.Equal(t, []byte("body of the push"), h.events[2].data)
}

func TestPushStreamThenPromise(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	body := bytes.Repeat([]byte{0x5a}, 100)
	peer.pushStream(7, body, true)
	assert.Empty(t, h.events, "unpromised stream announces nothing")

	peer.promise(0, 7, pushedHeaders())

	// Same callback order as the promise-first arrival.
	require.Equal(t, []string{"push", "headers", "body", "eom", "detach"}, h.names())
	pushID, _ := h.events[0].pushTxn.PushID()
	assert.Equal(t, uint64(7), pushID)
	assert.Equal(t, uint64(0), h.events[2].offset)
	assert.Len(t, h.events[2].data, 100)
}

func TestPushStreamSplitDelivery(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	buf := quicvarint.Append(nil, streamTypePush)
	buf = quicvarint.Append(buf, 7)
	buf = appendFrame(buf, FrameData, []byte("trickled"))
	id := peer.openUni()
	for i := range buf {
		sess.OnStreamData(id, buf[i:i+1], i == len(buf)-1)
	}
	assert.Empty(t, h.events)

	peer.promise(0, 7, pushedHeaders())

	require.Equal(t, []string{"push", "headers", "body", "eom", "detach"}, h.names())
	assert.Equal(t, []byte("trickled"), h.events[2].data)
}

func TestPushHandlerFactory(t *testing.T) {
	tr := newMockTransport()
	clock := newFakeClock()
	pushed := &recordingHandler{}
	factory := func(pushTxn *Transaction) Handler { return pushed }
	cfg := &config.SessionConfig{}
	sess, err := NewSession(cfg, tr, factory, logger.NewNop(), clock)
	require.NoError(t, err)
	peer := &testPeer{sess: sess, tr: tr, enc: newPeerEncoder(cfg), nextUni: 3}
	peer.openControl(cfg)
	peer.openCodecStreams()

	_, owner := openOwner(t, sess)
	peer.promise(0, 0, pushedHeaders())
	peer.pushStream(0, []byte("x"), true)

	// The owner only hears about the promise; the factory handler gets the
	// pushed transaction's lifecycle.
	assert.Equal(t, []string{"push"}, owner.names())
	assert.Equal(t, []string{"headers", "body", "eom", "detach"}, pushed.names())
}

func TestDuplicatePushPromiseIsConnectionError(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 1, pushedHeaders())
	peer.promise(0, 1, pushedHeaders())

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeIDError, tr.closeCode)
	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindProtocolError, h.events[0].kind)
}

func TestDuplicatePushStreamIsConnectionError(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	openOwner(t, sess)

	peer.pushStream(5, nil, false)
	peer.pushStream(5, nil, false)

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeIDError, tr.closeCode)
}

func TestNonIncreasingPushIDIsConnectionError(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	openOwner(t, sess)

	peer.promise(0, 5, pushedHeaders())
	peer.promise(0, 3, pushedHeaders())

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeIDError, tr.closeCode)
}

func TestPushIDAtAdvertisedLimit(t *testing.T) {
	sess, peer, tr, _ := testSetup(&config.SessionConfig{MaxPushID: u64ptr(4)})
	openOwner(t, sess)

	peer.promise(0, 4, pushedHeaders())

	assert.Equal(t, 1, tr.closeCount)
	assert.Equal(t, ErrCodeIDError, tr.closeCode)
}

func TestNascentPushOrphanTimeout(t *testing.T) {
	sess, peer, tr, clock := testSetup(nil)
	_, h := openOwner(t, sess)

	streamID := peer.pushStream(3, []byte("nobody asked"), false)

	sess.OnTick(clock.advance(config.DefaultPushOrphanTimeout + time.Second))

	assert.Empty(t, h.events, "a stream nobody promised dies quietly")
	assert.Equal(t, ErrCodeRequestCancelled, tr.resets[streamID])
	assert.Equal(t, 0, tr.closeCount)

	// A promise arriving after the orphan reset starts a fresh record
	// rather than erroring the connection.
	peer.promise(0, 3, pushedHeaders())
	assert.Equal(t, 0, tr.closeCount)
}

func TestPromiseOrphanTimeoutErrorsOwner(t *testing.T) {
	sess, peer, tr, clock := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 1, pushedHeaders())
	sess.OnTick(clock.advance(config.DefaultPushOrphanTimeout + time.Second))

	require.Equal(t, []string{"error", "detach"}, h.names())
	assert.Equal(t, KindTimeout, h.events[0].kind)
	assert.Equal(t, 0, tr.closeCount)
}

func TestCancelPushDiscardsUnmatchedPromise(t *testing.T) {
	sess, peer, tr, clock := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 1, pushedHeaders())
	peer.controlFrame(FrameCancelPush, quicvarint.Append(nil, 1))

	// No callbacks, and the orphan timer died with the record.
	sess.OnTick(clock.advance(time.Hour))
	assert.Empty(t, h.events)
	assert.Equal(t, 0, tr.closeCount)
}

func TestCancelPushAfterMatchIsIgnored(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 1, pushedHeaders())
	peer.pushStream(1, nil, false)
	require.Equal(t, []string{"push", "headers"}, h.names())

	peer.controlFrame(FrameCancelPush, quicvarint.Append(nil, 1))
	sess.OnStreamData(h.events[0].pushTxn.ID(), appendFrame(nil, FrameData, []byte("late")), true)

	assert.Equal(t, []string{"push", "headers", "body", "eom", "detach"}, h.names())
}

func TestPushIdleTimeout(t *testing.T) {
	sess, peer, tr, clock := testSetup(nil)
	_, h := openOwner(t, sess)

	peer.promise(0, 1, pushedHeaders())
	streamID := peer.pushStream(1, nil, false)
	require.Equal(t, []string{"push", "headers"}, h.names())

	// Ingress activity pushes the idle deadline out.
	sess.OnTick(clock.advance(config.DefaultPushIdleTimeout - time.Second))
	sess.OnStreamData(streamID, appendFrame(nil, FrameData, []byte("still here")), false)
	sess.OnTick(clock.advance(config.DefaultPushIdleTimeout - time.Second))
	assert.Equal(t, []string{"push", "headers", "body"}, h.names())

	sess.OnTick(clock.advance(2 * time.Second))

	require.Equal(t, []string{"push", "headers", "body", "error", "detach"}, h.names())
	assert.Equal(t, KindTimeout, h.events[3].kind)
	assert.Equal(t, ErrCodeRequestCancelled, tr.resets[streamID])
}

func TestPromiseAboveDrainWatermarkRefused(t *testing.T) {
	sess, peer, tr, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	require.NoError(t, sess.SendGoaway(3))
	ctrlBefore := len(tr.writes[2])

	peer.promise(0, 5, pushedHeaders())

	assert.Empty(t, h.events)
	assert.Greater(t, len(tr.writes[2]), ctrlBefore, "CANCEL_PUSH sent for the refused id")

	// Ids at or below the watermark still complete.
	peer.promise(0, 2, pushedHeaders())
	peer.pushStream(2, nil, true)
	assert.Equal(t, []string{"push", "headers", "eom", "detach"}, h.names())
}

func TestPushMatchWithBlockedPromiseHeaders(t *testing.T) {
	sess, peer, _, _ := testSetup(nil)
	_, h := openOwner(t, sess)

	headers := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-push-origin", Value: "cache-3"},
	}
	block, instructions := peer.encodeBlock(0, headers)
	require.NotEmpty(t, instructions)

	// The promise arrives ahead of its table updates, so its header block
	// stays blocked while the push stream completes.
	payload := quicvarint.Append(nil, 1)
	payload = append(payload, block...)
	sess.OnStreamData(0, appendFrame(nil, FramePushPromise, payload), false)
	peer.pushStream(1, []byte("pushed body"), true)
	assert.Empty(t, h.events, "nothing fires until the promise headers decode")

	peer.deliverInstructions(instructions)

	require.Equal(t, []string{"push", "headers", "body", "eom", "detach"}, h.names())
	assert.Equal(t, headers, h.events[1].headers)
	assert.Equal(t, []byte("pushed body"), h.events[2].data)
}

func TestPushCorrelatorIDDiscipline(t *testing.T) {
	c := newPushCorrelator(100)

	_, err := c.onPromise(5, nil)
	require.NoError(t, err)

	// A push stream may race ahead for an id never promised; the promise
	// that later pairs it is exempt from the increasing-only rule because
	// the stream's arrival already proved issuance.
	_, err = c.onNascent(3, 15)
	require.NoError(t, err)
	rec, err := c.onPromise(3, nil)
	require.NoError(t, err)
	assert.True(t, rec.complete())

	// A fresh promise below the high-water mark is not exempt.
	_, err = c.onPromise(4, nil)
	assert.Error(t, err)

	_, err = c.onPromise(6, nil)
	require.NoError(t, err)
}

func TestPushStreamResetBeforeMatch(t *testing.T) {
	sess, peer, tr, clock := testSetup(nil)
	_, h := openOwner(t, sess)

	streamID := peer.pushStream(4, []byte("partial"), false)
	sess.OnStreamReset(streamID, ErrCodeRequestCancelled)

	// The half-record is gone; nothing fires when its timer would have.
	sess.OnTick(clock.advance(time.Hour))
	assert.Empty(t, h.events)
	assert.Equal(t, 0, tr.closeCount)
}
