package h3

import (
	"fmt"
	"sort"

	"example.com/hqsession/internal/logger"
)

// StreamRole tags what a stream carries. It is a closed set: every role has
// explicit handling in the session's dispatch.
type StreamRole uint8

const (
	// RolePending: inbound unidirectional stream whose type preface has not
	// fully arrived yet.
	RolePending StreamRole = iota
	// RoleRequest: bidirectional request/response stream, locally opened.
	RoleRequest
	// RolePush: server-initiated unidirectional push body stream.
	RolePush
	// RoleControl: the peer's control stream (SETTINGS, GOAWAY, CANCEL_PUSH).
	RoleControl
	// RoleQPACKEncoder: the peer's encoder stream (table updates in).
	RoleQPACKEncoder
	// RoleQPACKDecoder: the peer's decoder stream (acknowledgements in).
	RoleQPACKDecoder
)

// String returns the string representation of the StreamRole.
func (r StreamRole) String() string {
	switch r {
	case RolePending:
		return "pending"
	case RoleRequest:
		return "request"
	case RolePush:
		return "push"
	case RoleControl:
		return "control"
	case RoleQPACKEncoder:
		return "qpack-encoder"
	case RoleQPACKDecoder:
		return "qpack-decoder"
	default:
		return fmt.Sprintf("unknown-role-%d", uint8(r))
	}
}

// headerBlockKind distinguishes the two header-bearing frames a request
// stream can queue while blocked.
type headerBlockKind uint8

const (
	blockResponse headerBlockKind = iota
	blockPromise
)

// pendingBlock is a header block awaiting dynamic-table updates. Blocks on
// one stream resolve strictly in arrival order.
type pendingBlock struct {
	kind   headerBlockKind
	block  []byte
	pushID uint64 // promise blocks only
}

// bodyChunk is a body range stamped with its stream offset at arrival, held
// while delivery is gated (blocked headers, unmatched push).
type bodyChunk struct {
	offset  uint64
	data    []byte
	skipped bool // a skip event rather than data; offset is the new position
}

// Stream is the session's per-stream ingress state.
type Stream struct {
	id   uint64
	role StreamRole
	txn  *Transaction

	parser  frameParser
	preface varintAccumulator

	// Push streams: the push id follows the preface varint.
	pushIDAcc  varintAccumulator
	pushID     uint64
	pushIDDone bool

	pendingBlocks []pendingBlock
	pendingBody   []bodyChunk
	decodeTimer   *timer

	finPending bool // FIN observed but delivery gated behind pending blocks
}

func (st *Stream) blocked() bool {
	return len(st.pendingBlocks) > 0
}

// StreamTable owns every live stream, keyed by id.
type StreamTable struct {
	streams map[uint64]*Stream
	log     *logger.Logger
}

func newStreamTable(log *logger.Logger) *StreamTable {
	return &StreamTable{streams: make(map[uint64]*Stream), log: log}
}

func (t *StreamTable) get(id uint64) *Stream {
	return t.streams[id]
}

// create registers a new stream. Creating an id twice is a programming
// error upstream; the table refuses it.
func (t *StreamTable) create(id uint64, role StreamRole) (*Stream, error) {
	if _, exists := t.streams[id]; exists {
		return nil, fmt.Errorf("h3: stream %d already exists", id)
	}
	st := &Stream{id: id, role: role}
	t.streams[id] = st
	t.log.Debug("stream created", logger.LogFields{"stream_id": id, "role": role.String()})
	return st, nil
}

// bindTransaction attaches a transaction to an existing stream.
func (t *StreamTable) bindTransaction(id uint64, txn *Transaction) error {
	st := t.streams[id]
	if st == nil {
		return fmt.Errorf("h3: bind to unknown stream %d", id)
	}
	if st.txn != nil {
		return fmt.Errorf("h3: stream %d already bound", id)
	}
	st.txn = txn
	return nil
}

// remove drops a stream, cancelling its decode timer.
func (t *StreamTable) remove(id uint64) {
	if st := t.streams[id]; st != nil {
		st.decodeTimer.cancel()
		delete(t.streams, id)
	}
}

// sortedIDs returns the live stream ids in ascending order, for
// deterministic iteration.
func (t *StreamTable) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
