package h3

import (
	"fmt"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/net/http2/hpack"

	"example.com/hqsession/internal/config"
	"example.com/hqsession/internal/logger"
	"example.com/hqsession/internal/qpack"
)

// fakeClock is a manually-advanced Clock for timer tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

// mockTransport records everything the session writes. Client-initiated
// bidirectional streams get ids 0, 4, 8, ...; client unidirectional streams
// get 2, 6, 10, ... (so the session's control/encoder/decoder streams land
// on 2, 6 and 10).
type mockTransport struct {
	nextBidi uint64
	nextUni  uint64

	writes map[uint64][]byte
	fins   map[uint64]bool
	resets map[uint64]ErrorCode

	closeCount  int
	closeCode   ErrorCode
	closeReason string

	// rejectFunc scripts RejectDataTo; nil grants the requested offset.
	rejectFunc func(streamID, offset uint64) (uint64, error)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		nextUni: 2,
		writes:  make(map[uint64][]byte),
		fins:    make(map[uint64]bool),
		resets:  make(map[uint64]ErrorCode),
	}
}

func (m *mockTransport) OpenBidiStream() (uint64, error) {
	id := m.nextBidi
	m.nextBidi += 4
	return id, nil
}

func (m *mockTransport) OpenUniStream() (uint64, error) {
	id := m.nextUni
	m.nextUni += 4
	return id, nil
}

func (m *mockTransport) Write(streamID uint64, p []byte, endOfStream bool) error {
	if m.fins[streamID] {
		return fmt.Errorf("write after fin on stream %d", streamID)
	}
	m.writes[streamID] = append(m.writes[streamID], p...)
	if endOfStream {
		m.fins[streamID] = true
	}
	return nil
}

func (m *mockTransport) ResetStream(streamID uint64, code ErrorCode) error {
	m.resets[streamID] = code
	return nil
}

func (m *mockTransport) RejectDataTo(streamID, offset uint64) (uint64, error) {
	if m.rejectFunc != nil {
		return m.rejectFunc(streamID, offset)
	}
	return offset, nil
}

func (m *mockTransport) CloseConnection(code ErrorCode, reason string) error {
	m.closeCount++
	m.closeCode = code
	m.closeReason = reason
	return nil
}

// handlerEvent is one recorded callback.
type handlerEvent struct {
	name    string // headers, body, skipped, eom, error, detach, push
	offset  uint64
	data    []byte
	headers []hpack.HeaderField
	kind    ErrorKind
	pushTxn *Transaction
}

// recordingHandler captures the callback sequence for assertions.
type recordingHandler struct {
	events []handlerEvent
}

func (h *recordingHandler) OnHeaders(headers []hpack.HeaderField) {
	h.events = append(h.events, handlerEvent{name: "headers", headers: headers})
}

func (h *recordingHandler) OnBody(offset uint64, p []byte) {
	h.events = append(h.events, handlerEvent{name: "body", offset: offset, data: p})
}

func (h *recordingHandler) OnBodySkipped(offset uint64) {
	h.events = append(h.events, handlerEvent{name: "skipped", offset: offset})
}

func (h *recordingHandler) OnEOM() {
	h.events = append(h.events, handlerEvent{name: "eom"})
}

func (h *recordingHandler) OnError(kind ErrorKind) {
	h.events = append(h.events, handlerEvent{name: "error", kind: kind})
}

func (h *recordingHandler) OnDetach() {
	h.events = append(h.events, handlerEvent{name: "detach"})
}

func (h *recordingHandler) OnPushPromise(pushTxn *Transaction, headers []hpack.HeaderField) {
	h.events = append(h.events, handlerEvent{name: "push", pushTxn: pushTxn, headers: headers})
}

// names returns the callback sequence compactly.
func (h *recordingHandler) names() []string {
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.name
	}
	return out
}

// testPeer plays the server side of the connection: it owns a QPACK encoder
// mirroring the session's decoder and feeds the session's ingress methods.
// Server unidirectional streams get ids 3, 7, 11, ...
type testPeer struct {
	sess    *Session
	tr      *mockTransport
	enc     *qpack.Encoder
	nextUni uint64

	ctrlID uint64
	encID  uint64
	decID  uint64
}

// newPeerEncoder builds the encoder the peer drives against the session's
// decoder, sized to the same negotiated capacity.
func newPeerEncoder(cfg *config.SessionConfig) *qpack.Encoder {
	return qpack.NewEncoder(cfg.TableCapacity())
}

// testSetup builds a session over a mock transport with a fake clock, and a
// peer that has already opened its control stream and sent SETTINGS.
func testSetup(cfg *config.SessionConfig) (*Session, *testPeer, *mockTransport, *fakeClock) {
	if cfg == nil {
		cfg = &config.SessionConfig{}
	}
	tr := newMockTransport()
	clock := newFakeClock()
	sess, err := NewSession(cfg, tr, nil, logger.NewNop(), clock)
	if err != nil {
		panic(err)
	}
	peer := &testPeer{
		sess:    sess,
		tr:      tr,
		enc:     newPeerEncoder(cfg),
		nextUni: 3,
	}
	peer.openControl(cfg)
	peer.openCodecStreams()
	return sess, peer, tr, clock
}

func (p *testPeer) openUni() uint64 {
	id := p.nextUni
	p.nextUni += 4
	return id
}

func (p *testPeer) openControl(cfg *config.SessionConfig) {
	p.ctrlID = p.openUni()
	buf := quicvarint.Append(nil, streamTypeControl)
	buf = appendFrame(buf, FrameSettings, appendSettings(nil, settings{
		qpackMaxTableCapacity: cfg.TableCapacity(),
		partialReliability:    cfg.PartialReliability(),
	}))
	p.sess.OnStreamData(p.ctrlID, buf, false)
}

func (p *testPeer) openCodecStreams() {
	p.encID = p.openUni()
	p.sess.OnStreamData(p.encID, quicvarint.Append(nil, streamTypeQPACKEncoder), false)
	p.decID = p.openUni()
	p.sess.OnStreamData(p.decID, quicvarint.Append(nil, streamTypeQPACKDecoder), false)
}

// controlFrame delivers one frame on the peer's control stream.
func (p *testPeer) controlFrame(typ FrameType, payload []byte) {
	p.sess.OnStreamData(p.ctrlID, appendFrame(nil, typ, payload), false)
}

// encodeBlock runs headers through the peer encoder, returning the block
// and any table-update instructions separately so tests control delivery
// order.
func (p *testPeer) encodeBlock(streamID uint64, headers []hpack.HeaderField) (block, instructions []byte) {
	block, instructions, err := p.enc.EncodeHeaderList(streamID, headers)
	if err != nil {
		panic(err)
	}
	return block, instructions
}

// deliverInstructions feeds table updates to the session's decoder.
func (p *testPeer) deliverInstructions(instructions []byte) {
	p.sess.OnStreamData(p.encID, instructions, false)
}

// respond delivers a complete response on a request stream: headers (with
// instructions applied first), optional body, optional FIN.
func (p *testPeer) respond(streamID uint64, headers []hpack.HeaderField, body []byte, fin bool) {
	block, instructions := p.encodeBlock(streamID, headers)
	if len(instructions) > 0 {
		p.deliverInstructions(instructions)
	}
	buf := appendFrame(nil, FrameHeaders, block)
	if body != nil {
		buf = appendFrame(buf, FrameData, body)
	}
	p.sess.OnStreamData(streamID, buf, fin)
}

// promise delivers a PUSH_PROMISE on a request stream.
func (p *testPeer) promise(streamID, pushID uint64, headers []hpack.HeaderField) {
	block, instructions := p.encodeBlock(streamID, headers)
	if len(instructions) > 0 {
		p.deliverInstructions(instructions)
	}
	payload := quicvarint.Append(nil, pushID)
	payload = append(payload, block...)
	p.sess.OnStreamData(streamID, appendFrame(nil, FramePushPromise, payload), false)
}

// pushStream opens a push stream carrying body bytes, optionally finished.
func (p *testPeer) pushStream(pushID uint64, body []byte, fin bool) uint64 {
	id := p.openUni()
	buf := quicvarint.Append(nil, streamTypePush)
	buf = quicvarint.Append(buf, pushID)
	if body != nil {
		buf = appendFrame(buf, FrameData, body)
	}
	p.sess.OnStreamData(id, buf, fin)
	return id
}

// defaultRequestHeaders is a plain static-table-friendly request.
func defaultRequestHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
}

func okResponseHeaders() []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-served-by", Value: "origin-7"},
	}
}
