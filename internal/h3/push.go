package h3

import (
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// pushState is the lifecycle of one push id's correlation record.
type pushState uint8

const (
	// pushPromiseOnly: PUSH_PROMISE seen, no push stream yet.
	pushPromiseOnly pushState = iota
	// pushNascentOnly: push stream preface seen, no promise yet.
	pushNascentOnly
	// pushMatched: both halves present; the pushed transaction exists.
	pushMatched
	// pushOrphaned: a half-record aged out.
	pushOrphaned
	// pushCancelled: the server abandoned the push before a match.
	pushCancelled
)

// String returns the string representation of the pushState.
func (s pushState) String() string {
	switch s {
	case pushPromiseOnly:
		return "promise-only"
	case pushNascentOnly:
		return "nascent-only"
	case pushMatched:
		return "matched"
	case pushOrphaned:
		return "orphaned"
	case pushCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown-push-state-%d", uint8(s))
	}
}

// pushRecord correlates the two halves of one push: the PUSH_PROMISE frame
// on a request stream and the nascent unidirectional push stream. Either may
// arrive first; the pushed transaction is created when the pair completes.
type pushRecord struct {
	id    uint64
	state pushState

	promiseSeen  bool
	headersReady bool // promise headers decoded (may lag while blocked)
	headers      []hpack.HeaderField
	owner        *Transaction

	hasStream bool
	streamID  uint64

	txn         *Transaction
	orphanTimer *timer
}

// complete reports whether both halves have arrived.
func (r *pushRecord) complete() bool {
	return r.promiseSeen && r.hasStream
}

// PushCorrelator tracks push ids across their promise/stream pairing.
// It validates id discipline and duplicate detection; the session performs
// all notification and transaction creation.
type PushCorrelator struct {
	records         map[uint64]*pushRecord
	highestPromised uint64
	anyPromised     bool
	maxPushID       uint64
}

func newPushCorrelator(maxPushID uint64) *PushCorrelator {
	return &PushCorrelator{records: make(map[uint64]*pushRecord), maxPushID: maxPushID}
}

// onPromise records a PUSH_PROMISE for pushID owned by owner. A duplicate
// promise, a non-increasing fresh id, or an id at or above the advertised
// limit is a connection error.
func (c *PushCorrelator) onPromise(pushID uint64, owner *Transaction) (*pushRecord, error) {
	if pushID >= c.maxPushID {
		return nil, NewConnectionError(ErrCodeIDError,
			fmt.Sprintf("push id %d at or above advertised limit %d", pushID, c.maxPushID))
	}
	if rec, ok := c.records[pushID]; ok {
		if rec.promiseSeen {
			return nil, NewConnectionError(ErrCodeIDError,
				fmt.Sprintf("duplicate promise for push id %d", pushID))
		}
		// Pairs with an earlier nascent stream; ordering discipline was
		// already established by the stream's arrival.
		rec.promiseSeen = true
		rec.owner = owner
		if c.noteIssued(pushID) {
			c.highestPromised = pushID
		}
		return rec, nil
	}
	if c.anyPromised && pushID <= c.highestPromised {
		return nil, NewConnectionError(ErrCodeIDError,
			fmt.Sprintf("push id %d not above previous %d", pushID, c.highestPromised))
	}
	c.anyPromised = true
	c.highestPromised = pushID
	rec := &pushRecord{id: pushID, state: pushPromiseOnly, promiseSeen: true, owner: owner}
	c.records[pushID] = rec
	return rec, nil
}

func (c *PushCorrelator) noteIssued(pushID uint64) bool {
	if !c.anyPromised {
		c.anyPromised = true
		return true
	}
	return pushID > c.highestPromised
}

// onNascent records a push stream preface carrying pushID. A second stream
// for the same id is a connection error.
func (c *PushCorrelator) onNascent(pushID, streamID uint64) (*pushRecord, error) {
	if pushID >= c.maxPushID {
		return nil, NewConnectionError(ErrCodeIDError,
			fmt.Sprintf("push stream id %d at or above advertised limit %d", pushID, c.maxPushID))
	}
	if rec, ok := c.records[pushID]; ok {
		if rec.hasStream {
			return nil, NewConnectionError(ErrCodeIDError,
				fmt.Sprintf("duplicate push stream for push id %d", pushID))
		}
		rec.hasStream = true
		rec.streamID = streamID
		return rec, nil
	}
	rec := &pushRecord{id: pushID, state: pushNascentOnly, hasStream: true, streamID: streamID}
	c.records[pushID] = rec
	return rec, nil
}

// onCancelPush handles a CANCEL_PUSH from the peer: an unmatched record is
// discarded, a matched one is past cancelling. Returns the discarded record,
// if any.
func (c *PushCorrelator) onCancelPush(pushID uint64) *pushRecord {
	rec, ok := c.records[pushID]
	if !ok || rec.state == pushMatched {
		return nil
	}
	rec.state = pushCancelled
	rec.orphanTimer.cancel()
	delete(c.records, pushID)
	return rec
}

// get returns the record for pushID, if any.
func (c *PushCorrelator) get(pushID uint64) *pushRecord {
	return c.records[pushID]
}

// remove drops a record, cancelling its orphan timer.
func (c *PushCorrelator) remove(pushID uint64) {
	if rec := c.records[pushID]; rec != nil {
		rec.orphanTimer.cancel()
		delete(c.records, pushID)
	}
}

// each visits every record. The visit func must not mutate the map.
func (c *PushCorrelator) each(fn func(*pushRecord)) {
	for _, rec := range c.records {
		fn(rec)
	}
}
