// Package h3 implements the session layer of an HTTP/3-style protocol
// stack: stream/transaction correlation, a blocking QPACK header codec
// wired to its encoder and decoder streams, push promise correlation,
// partially-reliable body delivery, and GOAWAY drain. The transport and the
// application sit behind interfaces; the session owns everything between.
//
// Concurrency: a Session is single-threaded by contract. All state changes
// happen inside discrete events (OnStreamData, OnStreamReset, OnTick, public
// method calls) delivered one at a time by an external scheduler, and every
// handler callback fires synchronously inside the event that caused it.
package h3

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/net/http2/hpack"

	"example.com/hqsession/internal/config"
	"example.com/hqsession/internal/logger"
	"example.com/hqsession/internal/qpack"
)

var (
	errSessionClosed   = errors.New("h3: session closed")
	errSessionDraining = errors.New("h3: session draining")
)

// Session multiplexes transactions over one transport connection.
type Session struct {
	cfg     *config.SessionConfig
	tr      Transport
	factory HandlerFactory
	log     *logger.Logger
	timers  *timerQueue

	streams *StreamTable
	txns    map[uint64]*Transaction

	qenc *qpack.Encoder
	qdec *qpack.Decoder

	push  *PushCorrelator
	rel   *ReliabilityController
	drain *DrainCoordinator

	// Locally-opened unidirectional streams.
	ctrlOut uint64
	encOut  uint64
	decOut  uint64

	// Peer unidirectional streams, at most one each.
	peerControlSeen bool
	peerEncoderSeen bool
	peerDecoderSeen bool
	peerSettings    bool

	closeWhenIdle bool
	closed        bool
}

// NewSession builds a session over the given transport and opens the local
// control and codec streams, announcing the configured SETTINGS and push id
// limit. factory may be nil, in which case pushed transactions share their
// parent's handler. A nil log is built from cfg.Logging; clock may be nil.
func NewSession(cfg *config.SessionConfig, tr Transport, factory HandlerFactory, log *logger.Logger, clock Clock) (*Session, error) {
	if cfg == nil {
		cfg = &config.SessionConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		if log, err = logger.FromConfig(cfg.Logging); err != nil {
			return nil, err
		}
	}
	if clock == nil {
		clock = SystemClock{}
	}

	s := &Session{
		cfg:     cfg,
		tr:      tr,
		factory: factory,
		log:     log,
		timers:  newTimerQueue(clock),
		streams: newStreamTable(log),
		txns:    make(map[uint64]*Transaction),
		qenc:    qpack.NewEncoder(cfg.TableCapacity()),
		qdec:    qpack.NewDecoder(cfg.TableCapacity()),
		push:    newPushCorrelator(cfg.PushIDLimit()),
		rel:     newReliabilityController(cfg.PartialReliability()),
		drain:   newDrainCoordinator(),
	}

	var err error
	if s.ctrlOut, err = tr.OpenUniStream(); err != nil {
		return nil, fmt.Errorf("h3: open control stream: %w", err)
	}
	buf := quicvarint.Append(nil, streamTypeControl)
	buf = appendFrame(buf, FrameSettings, appendSettings(nil, settings{
		qpackMaxTableCapacity: cfg.TableCapacity(),
		partialReliability:    cfg.PartialReliability(),
	}))
	buf = appendFrame(buf, FrameMaxPushID, quicvarint.Append(nil, cfg.PushIDLimit()))
	if err = tr.Write(s.ctrlOut, buf, false); err != nil {
		return nil, fmt.Errorf("h3: write settings: %w", err)
	}

	if s.encOut, err = tr.OpenUniStream(); err != nil {
		return nil, fmt.Errorf("h3: open encoder stream: %w", err)
	}
	if err = tr.Write(s.encOut, quicvarint.Append(nil, streamTypeQPACKEncoder), false); err != nil {
		return nil, err
	}
	if s.decOut, err = tr.OpenUniStream(); err != nil {
		return nil, fmt.Errorf("h3: open decoder stream: %w", err)
	}
	if err = tr.Write(s.decOut, quicvarint.Append(nil, streamTypeQPACKDecoder), false); err != nil {
		return nil, err
	}

	log.Info("session started", logger.LogFields{
		"table_capacity":      cfg.TableCapacity(),
		"partial_reliability": cfg.PartialReliability(),
		"max_push_id":         cfg.PushIDLimit(),
	})
	return s, nil
}

// NewTransaction opens a request stream and returns its transaction. It
// fails once the session is draining or closed.
func (s *Session) NewTransaction(handler Handler) (*Transaction, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	if s.drain.draining() || s.closeWhenIdle {
		return nil, errSessionDraining
	}
	if handler == nil {
		return nil, errors.New("h3: nil handler")
	}
	id, err := s.tr.OpenBidiStream()
	if err != nil {
		return nil, fmt.Errorf("h3: open request stream: %w", err)
	}
	if _, err := s.streams.create(id, RoleRequest); err != nil {
		return nil, err
	}
	txn := &Transaction{session: s, handler: handler, streamID: id}
	if err := s.streams.bindTransaction(id, txn); err != nil {
		return nil, err
	}
	s.txns[id] = txn
	return txn, nil
}

// OnStreamData delivers transport read bytes for one stream, in order.
// endOfStream marks the final bytes.
func (s *Session) OnStreamData(streamID uint64, p []byte, endOfStream bool) {
	if s.closed {
		return
	}
	st := s.streams.get(streamID)
	if st == nil {
		// Peer-initiated stream: role is announced by its type preface.
		var err error
		st, err = s.streams.create(streamID, RolePending)
		if err != nil {
			return
		}
	}
	s.handleStreamData(st, p, endOfStream)
}

func (s *Session) handleStreamData(st *Stream, p []byte, endOfStream bool) {
	switch st.role {
	case RolePending:
		s.handlePendingPreface(st, p, endOfStream)
	case RoleRequest:
		s.handleRequestData(st, p, endOfStream)
	case RolePush:
		s.handlePushData(st, p, endOfStream)
	case RoleControl:
		s.handleControlData(st, p, endOfStream)
	case RoleQPACKEncoder:
		s.handleEncoderStreamData(st, p, endOfStream)
	case RoleQPACKDecoder:
		s.handleDecoderStreamData(st, p, endOfStream)
	}
}

// handlePendingPreface accumulates the stream-type varint, which may arrive
// a byte at a time, then dispatches the remainder under the assigned role.
func (s *Session) handlePendingPreface(st *Stream, p []byte, endOfStream bool) {
	typ, n, done, err := st.preface.feed(p)
	if err != nil {
		s.connectionError(NewConnectionError(ErrCodeStreamCreationError, "malformed stream type preface"))
		return
	}
	if !done {
		if endOfStream {
			s.streams.remove(st.id)
		}
		return
	}
	switch typ {
	case streamTypeControl:
		if s.peerControlSeen {
			s.connectionError(NewConnectionError(ErrCodeStreamCreationError, "duplicate control stream"))
			return
		}
		s.peerControlSeen = true
		st.role = RoleControl
	case streamTypePush:
		st.role = RolePush
	case streamTypeQPACKEncoder:
		if s.peerEncoderSeen {
			s.connectionError(NewConnectionError(ErrCodeStreamCreationError, "duplicate qpack encoder stream"))
			return
		}
		s.peerEncoderSeen = true
		st.role = RoleQPACKEncoder
	case streamTypeQPACKDecoder:
		if s.peerDecoderSeen {
			s.connectionError(NewConnectionError(ErrCodeStreamCreationError, "duplicate qpack decoder stream"))
			return
		}
		s.peerDecoderSeen = true
		st.role = RoleQPACKDecoder
	default:
		// Unknown stream types are discarded without affecting the session.
		s.log.Debug("ignoring unknown stream type", logger.LogFields{"stream_id": st.id, "type": typ})
		s.tr.ResetStream(st.id, ErrCodeStreamCreationError)
		s.streams.remove(st.id)
		return
	}
	s.handleStreamData(st, p[n:], endOfStream)
}

// handleRequestData parses frames on a locally-opened request stream.
func (s *Session) handleRequestData(st *Stream, p []byte, endOfStream bool) {
	st.parser.feed(p)
	for !s.closed {
		typ, payload, ok, err := st.parser.next()
		if err != nil {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed frame header"))
			return
		}
		if !ok {
			break
		}
		switch typ {
		case FrameData:
			offset := s.rel.onBody(st.id, uint64(len(payload)))
			if st.txn != nil {
				st.txn.deliverBody(offset, payload)
			}
		case FrameHeaders:
			s.ingestHeaderBlock(st, pendingBlock{kind: blockResponse, block: payload})
		case FramePushPromise:
			s.ingestPushPromise(st, payload)
		default:
			s.connectionError(NewConnectionError(ErrCodeFrameUnexpected,
				fmt.Sprintf("frame type 0x%x on request stream", uint64(typ))))
			return
		}
		if s.streams.get(st.id) != st {
			return // the frame's side effects tore the stream down
		}
	}
	if s.closed {
		return
	}
	if endOfStream {
		if st.parser.buffered() > 0 {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "stream ended mid-frame"))
			return
		}
		if st.blocked() {
			st.finPending = true
		} else if st.txn != nil {
			st.txn.deliverEOM()
		}
	}
}

// handlePushData reads the push id varint, correlates the stream, and then
// treats the remainder as DATA frames carrying the pushed body.
func (s *Session) handlePushData(st *Stream, p []byte, endOfStream bool) {
	if !st.pushIDDone {
		id, n, done, err := st.pushIDAcc.feed(p)
		if err != nil {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed push id"))
			return
		}
		if !done {
			if endOfStream {
				s.streams.remove(st.id)
			}
			return
		}
		st.pushID = id
		st.pushIDDone = true
		rec, perr := s.push.onNascent(id, st.id)
		if perr != nil {
			s.connectionFailure(perr)
			return
		}
		s.maybeMatch(rec)
		if s.closed || s.streams.get(st.id) != st {
			return
		}
		p = p[n:]
	}

	st.parser.feed(p)
	rec := s.push.get(st.pushID)
	for !s.closed {
		typ, payload, ok, err := st.parser.next()
		if err != nil {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed frame on push stream"))
			return
		}
		if !ok {
			break
		}
		if typ != FrameData {
			s.connectionError(NewConnectionError(ErrCodeFrameUnexpected,
				fmt.Sprintf("frame type 0x%x on push stream", uint64(typ))))
			return
		}
		offset := s.rel.onBody(st.id, uint64(len(payload)))
		if rec != nil && rec.txn != nil {
			rec.txn.deliverBody(offset, payload)
		} else {
			st.pendingBody = append(st.pendingBody, bodyChunk{offset: offset, data: payload})
		}
	}
	if s.closed {
		return
	}
	if endOfStream {
		if st.parser.buffered() > 0 {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "push stream ended mid-frame"))
			return
		}
		if rec != nil && rec.txn != nil {
			rec.txn.deliverEOM()
		} else {
			st.finPending = true
		}
	}
}

// handleControlData parses the peer's control stream. The first frame must
// be SETTINGS; a second SETTINGS is unexpected; the stream must never end.
func (s *Session) handleControlData(st *Stream, p []byte, endOfStream bool) {
	st.parser.feed(p)
	for !s.closed {
		typ, payload, ok, err := st.parser.next()
		if err != nil {
			s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed frame on control stream"))
			return
		}
		if !ok {
			break
		}
		if !s.peerSettings && typ != FrameSettings {
			s.connectionError(NewConnectionError(ErrCodeMissingSettings,
				fmt.Sprintf("frame type 0x%x before settings", uint64(typ))))
			return
		}
		switch typ {
		case FrameSettings:
			if s.peerSettings {
				s.connectionError(NewConnectionError(ErrCodeFrameUnexpected, "second settings frame"))
				return
			}
			peer, perr := parseSettings(payload)
			if perr != nil {
				s.connectionFailure(perr)
				return
			}
			s.peerSettings = true
			s.log.Debug("peer settings", logger.LogFields{
				"qpack_capacity":      peer.qpackMaxTableCapacity,
				"partial_reliability": peer.partialReliability,
			})
		case FrameGoaway:
			watermark, _, perr := quicvarint.Parse(payload)
			if perr != nil {
				s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed goaway"))
				return
			}
			if derr := s.drain.onGoawayReceived(watermark); derr != nil {
				s.connectionFailure(derr.(*ConnectionError))
				return
			}
			s.log.Info("goaway received", logger.LogFields{"watermark": watermark})
			s.classifyOpenStreams()
		case FrameCancelPush:
			pushID, _, perr := quicvarint.Parse(payload)
			if perr != nil {
				s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed cancel_push"))
				return
			}
			s.cancelPush(pushID)
		default:
			s.connectionError(NewConnectionError(ErrCodeFrameUnexpected,
				fmt.Sprintf("frame type 0x%x on control stream", uint64(typ))))
			return
		}
	}
	if !s.closed && endOfStream {
		s.connectionError(NewConnectionError(ErrCodeClosedCriticalStream, "control stream closed"))
	}
}

// handleEncoderStreamData applies peer table updates, then retries every
// blocked decode: the whole batch lands before any retry runs.
func (s *Session) handleEncoderStreamData(st *Stream, p []byte, endOfStream bool) {
	if endOfStream {
		s.connectionError(NewConnectionError(ErrCodeClosedCriticalStream, "encoder stream closed"))
		return
	}
	if err := s.qdec.OnEncoderStreamData(p); err != nil {
		s.connectionError(NewConnectionError(ErrCodeQPACKEncoderStreamError, err.Error()))
		return
	}
	s.flushDecoderFeedback()
	s.retryBlockedDecodes()
}

func (s *Session) handleDecoderStreamData(st *Stream, p []byte, endOfStream bool) {
	if endOfStream {
		s.connectionError(NewConnectionError(ErrCodeClosedCriticalStream, "decoder stream closed"))
		return
	}
	if err := s.qenc.OnDecoderStreamData(p); err != nil {
		s.connectionError(NewConnectionError(ErrCodeQPACKDecoderStreamError, err.Error()))
	}
}

// ingestHeaderBlock decodes a header block in arrival order: if earlier
// blocks on this stream are still pending the new one queues behind them.
func (s *Session) ingestHeaderBlock(st *Stream, pb pendingBlock) {
	if st.blocked() {
		s.queueBlock(st, pb)
		return
	}
	headers, err := s.qdec.DecodeHeaderBlock(st.id, pb.block)
	if errors.Is(err, qpack.ErrBlocked) {
		s.queueBlock(st, pb)
		return
	}
	if err != nil {
		s.connectionError(NewConnectionError(ErrCodeQPACKDecompressionFailed, err.Error()))
		return
	}
	s.flushDecoderFeedback()
	s.deliverDecodedBlock(st, pb, headers)
}

func (s *Session) queueBlock(st *Stream, pb pendingBlock) {
	st.pendingBlocks = append(st.pendingBlocks, pb)
	if st.decodeTimer == nil {
		st.decodeTimer = s.timers.schedule(s.cfg.DecodeTimeout(), func() {
			s.onDecodeTimeout(st)
		})
	}
}

func (s *Session) deliverDecodedBlock(st *Stream, pb pendingBlock, headers []hpack.HeaderField) {
	switch pb.kind {
	case blockResponse:
		if st.txn == nil {
			return
		}
		if !st.txn.headersDelivered {
			st.txn.deliverHeaders(headers)
		} else {
			// Trailers.
			st.txn.handler.OnHeaders(headers)
		}
	case blockPromise:
		rec := s.push.get(pb.pushID)
		if rec == nil {
			return
		}
		rec.headers = headers
		rec.headersReady = true
		s.maybeMatch(rec)
	}
}

// ingestPushPromise splits a PUSH_PROMISE payload into push id and header
// block, registers the promise, and feeds the block through the decoder.
func (s *Session) ingestPushPromise(st *Stream, payload []byte) {
	pushID, n, err := quicvarint.Parse(payload)
	if err != nil {
		s.connectionError(NewConnectionError(ErrCodeFrameError, "malformed push_promise"))
		return
	}
	if w, ok := s.drain.sentWatermark(); ok && pushID > w {
		// Promised after our drain watermark; refuse it outright.
		s.log.Debug("refusing push above drain watermark", logger.LogFields{"push_id": pushID})
		s.tr.Write(s.ctrlOut, appendFrame(nil, FrameCancelPush, quicvarint.Append(nil, pushID)), false)
		return
	}
	rec, perr := s.push.onPromise(pushID, st.txn)
	if perr != nil {
		s.connectionFailure(perr.(*ConnectionError))
		return
	}
	s.ingestHeaderBlock(st, pendingBlock{kind: blockPromise, block: payload[n:], pushID: rec.id})
}

// retryBlockedDecodes re-attempts pending blocks stream by stream, in
// stream id order, preserving per-stream FIFO.
func (s *Session) retryBlockedDecodes() {
	for _, id := range s.streams.sortedIDs() {
		st := s.streams.get(id)
		if st == nil || !st.blocked() {
			continue
		}
		for st.blocked() {
			pb := st.pendingBlocks[0]
			headers, err := s.qdec.DecodeHeaderBlock(st.id, pb.block)
			if errors.Is(err, qpack.ErrBlocked) {
				break
			}
			if err != nil {
				s.connectionError(NewConnectionError(ErrCodeQPACKDecompressionFailed, err.Error()))
				return
			}
			st.pendingBlocks = st.pendingBlocks[1:]
			s.deliverDecodedBlock(st, pb, headers)
			if s.closed || s.streams.get(id) != st {
				break
			}
		}
		if s.closed {
			return
		}
		if s.streams.get(id) == st && !st.blocked() {
			st.decodeTimer.cancel()
			st.decodeTimer = nil
			if st.finPending && st.parser.buffered() == 0 {
				st.finPending = false
				if st.txn != nil {
					st.txn.deliverEOM()
				}
			}
		}
	}
	s.flushDecoderFeedback()
}

// onDecodeTimeout errors a stream whose header block stayed blocked past
// the configured deadline. Local to the stream; the connection survives.
func (s *Session) onDecodeTimeout(st *Stream) {
	if s.closed || s.streams.get(st.id) != st || !st.blocked() {
		return
	}
	s.log.Warn("header decode timeout", logger.LogFields{"stream_id": st.id})
	// Promise blocks queued here will never decode; fail their records too.
	for _, pb := range st.pendingBlocks {
		if pb.kind != blockPromise {
			continue
		}
		if rec := s.push.get(pb.pushID); rec != nil {
			s.failPushRecord(rec, KindTimeout)
		}
	}
	s.qdec.CancelStream(st.id)
	st.pendingBlocks = nil
	s.flushDecoderFeedback()
	s.tr.ResetStream(st.id, ErrCodeRequestCancelled)
	if st.txn != nil {
		st.txn.errorOut(KindTimeout)
	} else {
		s.streams.remove(st.id)
		s.rel.closeStream(st.id)
	}
}

// maybeMatch pairs a push record's halves. On the first complete pair it
// creates the pushed transaction; once the promise headers are decoded it
// announces the push to the owner and delivers the headers, releasing any
// queued body.
func (s *Session) maybeMatch(rec *pushRecord) {
	if !rec.complete() {
		if rec.orphanTimer == nil {
			rec.orphanTimer = s.timers.schedule(s.cfg.OrphanTimeout(), func() {
				s.onPushOrphaned(rec)
			})
		}
		return
	}
	rec.orphanTimer.cancel()
	rec.state = pushMatched

	if rec.txn == nil {
		txn := &Transaction{
			session:      s,
			streamID:     rec.streamID,
			pushID:       rec.id,
			isPush:       true,
			egressClosed: true, // pushes are one-way
		}
		if s.factory != nil {
			txn.handler = s.factory(txn)
		} else {
			txn.handler = rec.owner.handler
		}
		rec.txn = txn
		s.txns[rec.streamID] = txn
		txn.idleTimer = s.schedulePushIdle(txn)

		if st := s.streams.get(rec.streamID); st != nil {
			st.txn = txn
			queued := st.pendingBody
			st.pendingBody = nil
			for _, chunk := range queued {
				if chunk.skipped {
					txn.deliverSkipped(chunk.offset)
				} else {
					txn.deliverBody(chunk.offset, chunk.data)
				}
			}
			if st.finPending {
				st.finPending = false
				txn.deliverEOM()
			}
		}
	}

	if rec.headersReady && !rec.txn.headersDelivered {
		if rec.owner != nil && !rec.owner.detached {
			rec.owner.handler.OnPushPromise(rec.txn, rec.headers)
		}
		rec.txn.deliverHeaders(rec.headers)
	}
}

// onPushOrphaned fires when a half-record ages out unmatched.
func (s *Session) onPushOrphaned(rec *pushRecord) {
	if s.closed || rec.state == pushMatched {
		return
	}
	rec.state = pushOrphaned
	s.log.Warn("push correlation orphaned", logger.LogFields{
		"push_id":     rec.id,
		"had_promise": rec.promiseSeen,
		"had_stream":  rec.hasStream,
	})
	if rec.hasStream {
		// A body stream nobody promised: reset and discard.
		s.tr.ResetStream(rec.streamID, ErrCodeRequestCancelled)
		s.streams.remove(rec.streamID)
		s.rel.closeStream(rec.streamID)
	}
	if rec.promiseSeen && !rec.hasStream && rec.owner != nil {
		rec.owner.errorOut(KindTimeout)
	}
	s.push.remove(rec.id)
}

// failPushRecord tears down a record whose pushed side can no longer make
// progress.
func (s *Session) failPushRecord(rec *pushRecord, kind ErrorKind) {
	if rec.txn != nil {
		rec.txn.errorOut(kind)
		return // errorOut's detach path removes the record and stream
	}
	if rec.hasStream {
		s.tr.ResetStream(rec.streamID, ErrCodeRequestCancelled)
		s.streams.remove(rec.streamID)
		s.rel.closeStream(rec.streamID)
	}
	s.push.remove(rec.id)
}

// cancelPush handles CANCEL_PUSH from the peer: an unmatched record is
// discarded silently, a matched one is too late to cancel.
func (s *Session) cancelPush(pushID uint64) {
	rec := s.push.onCancelPush(pushID)
	if rec == nil {
		return
	}
	s.log.Debug("push cancelled by peer", logger.LogFields{"push_id": pushID})
	if rec.hasStream {
		s.streams.remove(rec.streamID)
		s.rel.closeStream(rec.streamID)
	}
}

// OnStreamReset delivers a transport-level reset of one stream.
func (s *Session) OnStreamReset(streamID uint64, code ErrorCode) {
	if s.closed {
		return
	}
	st := s.streams.get(streamID)
	if st == nil {
		return
	}
	switch st.role {
	case RoleControl, RoleQPACKEncoder, RoleQPACKDecoder:
		s.connectionError(NewConnectionError(ErrCodeClosedCriticalStream,
			fmt.Sprintf("%s stream reset", st.role)))
		return
	}
	s.log.Debug("stream reset by peer", logger.LogFields{"stream_id": streamID, "code": code.String()})
	if st.blocked() {
		s.qdec.CancelStream(streamID)
		st.pendingBlocks = nil
		s.flushDecoderFeedback()
	}
	if st.role == RolePush && st.pushIDDone {
		if rec := s.push.get(st.pushID); rec != nil && rec.txn == nil {
			s.push.remove(rec.id)
		}
	}
	if st.txn != nil {
		st.txn.errorOut(KindStreamReset)
		return
	}
	s.streams.remove(streamID)
	s.rel.closeStream(streamID)
}

// OnDataExpired delivers a transport-level expiry: the peer declared bytes
// below upTo on this stream gone for good.
func (s *Session) OnDataExpired(streamID, upTo uint64) {
	if s.closed {
		return
	}
	st := s.streams.get(streamID)
	if st == nil {
		return
	}
	if st.role != RoleRequest && st.role != RolePush {
		return
	}
	offset, applied, err := s.rel.onDataExpired(streamID, upTo)
	var serr *StreamError
	if errors.As(err, &serr) {
		// Backward offset movement: local to the stream, connection survives.
		s.log.Warn("non-monotonic expire offset", logger.LogFields{
			"stream_id": streamID, "up_to": upTo,
		})
		s.tr.ResetStream(streamID, serr.Code)
		if st.txn != nil {
			st.txn.errorOut(serr.Kind)
			return
		}
		if st.role == RolePush && st.pushIDDone {
			if rec := s.push.get(st.pushID); rec != nil && rec.txn == nil {
				s.push.remove(rec.id)
			}
		}
		s.streams.remove(streamID)
		s.rel.closeStream(streamID)
		return
	}
	if err != nil {
		s.log.Warn("expiry on non-reliable session ignored", logger.LogFields{"stream_id": streamID})
		return
	}
	if !applied {
		// Stale expire offsets are soft no-ops.
		s.log.Debug("stale expire offset", logger.LogFields{
			"stream_id": streamID, "up_to": upTo, "current": offset,
		})
		return
	}
	if st.txn != nil {
		st.txn.deliverSkipped(offset)
		return
	}
	// No transaction yet (an unmatched push stream): the skip is stream
	// state and must survive until the promise arrives.
	st.pendingBody = append(st.pendingBody, bodyChunk{offset: offset, skipped: true})
}

// OnConnectionError delivers a transport-reported connection failure. Every
// open transaction sees OnError tagged with the transport kind, then
// OnDetach.
func (s *Session) OnConnectionError(code ErrorCode, reason string) {
	if s.closed {
		return
	}
	s.log.Error("transport connection error", logger.LogFields{
		"code":   code.String(),
		"reason": reason,
	})
	s.teardown(KindTransportError)
}

// OnTick advances the session clock, firing due timers.
func (s *Session) OnTick(now time.Time) {
	if s.closed {
		return
	}
	s.timers.advance(now)
}

// SendGoaway announces a drain watermark to the peer. Watermarks may only
// tighten; a looser one returns a protocol error without sending.
func (s *Session) SendGoaway(watermark uint64) error {
	if s.closed {
		return errSessionClosed
	}
	if err := s.drain.onGoawaySent(watermark); err != nil {
		return err
	}
	s.log.Info("goaway sent", logger.LogFields{"watermark": watermark})
	return s.tr.Write(s.ctrlOut, appendFrame(nil, FrameGoaway, quicvarint.Append(nil, watermark)), false)
}

// CloseWhenIdle lets in-flight transactions finish and closes the
// connection once the last one detaches. New transactions are refused.
func (s *Session) CloseWhenIdle() {
	if s.closed {
		return
	}
	s.closeWhenIdle = true
	if len(s.txns) == 0 {
		s.finishClose()
	}
}

// DropConnection tears the connection down immediately. Every open
// transaction receives OnError(KindDropped) then OnDetach. Idempotent.
func (s *Session) DropConnection() {
	if s.closed {
		return
	}
	s.log.Info("connection dropped", nil)
	s.tr.CloseConnection(ErrCodeNoError, "dropped")
	s.teardown(KindDropped)
}

// classifyOpenStreams applies the received drain watermark to every open
// request transaction. Streams above the watermark were never processed by
// the peer; each is errored at most once across repeated drains.
func (s *Session) classifyOpenStreams() {
	for _, id := range s.streams.sortedIDs() {
		txn := s.txns[id]
		if txn == nil || txn.isPush {
			continue
		}
		if unack, first := s.drain.classify(id); unack && first {
			txn.errorOut(KindStreamUnacknowledged)
		}
	}
}

// sendHeaders encodes and writes a transaction's header list, shipping any
// table-update instructions on the encoder stream first.
func (s *Session) sendHeaders(t *Transaction, headers []hpack.HeaderField) error {
	if s.closed {
		return errSessionClosed
	}
	block, instructions, err := s.qenc.EncodeHeaderList(t.streamID, headers)
	if err != nil {
		return err
	}
	if len(instructions) > 0 {
		if werr := s.tr.Write(s.encOut, instructions, false); werr != nil {
			return werr
		}
	}
	return s.tr.Write(t.streamID, appendFrame(nil, FrameHeaders, block), false)
}

func (s *Session) sendBody(t *Transaction, p []byte) error {
	if s.closed {
		return errSessionClosed
	}
	return s.tr.Write(t.streamID, appendFrame(nil, FrameData, p), false)
}

func (s *Session) sendEOM(t *Transaction) error {
	if s.closed {
		return errSessionClosed
	}
	return s.tr.Write(t.streamID, nil, true)
}

func (s *Session) rejectBodyTo(t *Transaction, offset uint64) (uint64, error) {
	if s.closed {
		return 0, errSessionClosed
	}
	return s.rel.rejectBodyTo(s.tr, t.streamID, offset)
}

// abortTransaction resets the stream and detaches without an error
// callback.
func (s *Session) abortTransaction(t *Transaction) {
	s.tr.ResetStream(t.streamID, ErrCodeRequestCancelled)
	t.detach()
}

// onTransactionDetached releases everything the transaction held.
func (s *Session) onTransactionDetached(t *Transaction) {
	delete(s.txns, t.streamID)
	if st := s.streams.get(t.streamID); st != nil {
		if st.blocked() {
			s.qdec.CancelStream(t.streamID)
			s.flushDecoderFeedback()
		}
		s.streams.remove(t.streamID)
	}
	s.rel.closeStream(t.streamID)
	if t.isPush {
		s.push.remove(t.pushID)
	}
	if s.closeWhenIdle && !s.closed && len(s.txns) == 0 {
		s.finishClose()
	}
}

func (s *Session) schedulePushIdle(t *Transaction) *timer {
	return s.timers.schedule(s.cfg.IdleTimeout(), func() {
		if s.closed || t.detached {
			return
		}
		s.log.Warn("pushed transaction idle timeout", logger.LogFields{
			"stream_id": t.streamID, "push_id": t.pushID,
		})
		s.tr.ResetStream(t.streamID, ErrCodeRequestCancelled)
		t.errorOut(KindTimeout)
	})
}

func (s *Session) flushDecoderFeedback() {
	if fb := s.qdec.TakeDecoderStream(); len(fb) > 0 {
		s.tr.Write(s.decOut, fb, false)
	}
}

// connectionError tears down over a locally-detected protocol violation.
func (s *Session) connectionError(cerr *ConnectionError) {
	s.connectionFailure(cerr)
}

func (s *Session) connectionFailure(err error) {
	if s.closed {
		return
	}
	cerr, ok := err.(*ConnectionError)
	if !ok {
		cerr = &ConnectionError{Code: ErrCodeInternalError, Kind: KindProtocolError, Msg: err.Error(), Cause: err}
	}
	s.log.Error("connection error", logger.LogFields{
		"code": cerr.Code.String(),
		"msg":  cerr.Msg,
	})
	s.tr.CloseConnection(cerr.Code, cerr.Msg)
	s.teardown(cerr.Kind)
}

// teardown errors every open transaction (OnError then OnDetach, each at
// most once) and closes the session.
func (s *Session) teardown(kind ErrorKind) {
	s.closed = true
	ids := make([]uint64, 0, len(s.txns))
	for id := range s.txns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if txn := s.txns[id]; txn != nil {
			txn.errorOut(kind)
		}
	}
	s.push.each(func(rec *pushRecord) {
		rec.orphanTimer.cancel()
	})
	s.push = newPushCorrelator(s.cfg.PushIDLimit())
	for _, id := range s.streams.sortedIDs() {
		s.streams.remove(id)
	}
}

// finishClose ends an idle session cleanly.
func (s *Session) finishClose() {
	s.closed = true
	s.log.Info("session closed while idle", nil)
	s.tr.CloseConnection(ErrCodeNoError, "idle")
}
