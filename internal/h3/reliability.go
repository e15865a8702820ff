package h3

import (
	"errors"
	"fmt"
)

// errPartialReliabilityDisabled is returned for expiry/reject operations on
// a session negotiated without the partially-reliable extension.
var errPartialReliabilityDisabled = errors.New("h3: partial reliability not negotiated")

// streamOffsets is one stream's ingress body position: the offset the next
// delivered byte will carry, and the highest expiry the transport has
// reported. Both only ever move forward.
type streamOffsets struct {
	next      uint64
	expiredTo uint64
}

// ReliabilityController tracks per-stream body offsets and applies the two
// partially-reliable operations: peer-driven expiry (skip forward) and
// locally-requested rejection. Offsets are monotonically non-decreasing;
// gaps are visible to the application as skip events, never as errors.
type ReliabilityController struct {
	enabled bool
	streams map[uint64]*streamOffsets
}

func newReliabilityController(enabled bool) *ReliabilityController {
	return &ReliabilityController{enabled: enabled, streams: make(map[uint64]*streamOffsets)}
}

func (r *ReliabilityController) state(streamID uint64) *streamOffsets {
	so := r.streams[streamID]
	if so == nil {
		so = &streamOffsets{}
		r.streams[streamID] = so
	}
	return so
}

// onBody stamps a body range of length n with its delivery offset and
// advances the counter.
func (r *ReliabilityController) onBody(streamID uint64, n uint64) uint64 {
	so := r.state(streamID)
	offset := so.next
	so.next += n
	return offset
}

// onDataExpired applies a peer expiry up to the given offset. An offset
// below an earlier expiry is backward movement and a local stream error; a
// stale (at-or-below-current-delivery) offset is a soft no-op: applied
// false, no error. The returned offset is the stream's resulting position.
func (r *ReliabilityController) onDataExpired(streamID, upTo uint64) (offset uint64, applied bool, err error) {
	if !r.enabled {
		return 0, false, errPartialReliabilityDisabled
	}
	so := r.state(streamID)
	if upTo < so.expiredTo {
		return so.next, false, NewStreamError(streamID, ErrCodeGeneralProtocolError, KindNonMonotonicOffset,
			fmt.Sprintf("expire offset %d below previous %d", upTo, so.expiredTo))
	}
	so.expiredTo = upTo
	if upTo <= so.next {
		return so.next, false, nil
	}
	so.next = upTo
	return so.next, true, nil
}

// rejectBodyTo asks the transport to stop delivering bytes below upTo and
// reconciles the result with the local offset. The transport may have
// progressed past the target already; the applied offset is clamped so the
// counter never moves backward. A transport refusal is returned as-is: the
// error is local and does not close the stream.
func (r *ReliabilityController) rejectBodyTo(tr Transport, streamID, upTo uint64) (uint64, error) {
	if !r.enabled {
		return 0, errPartialReliabilityDisabled
	}
	so := r.state(streamID)
	appliedAt, err := tr.RejectDataTo(streamID, upTo)
	if err != nil {
		return so.next, fmt.Errorf("h3: reject body to %d on stream %d: %w", upTo, streamID, err)
	}
	if appliedAt < so.next {
		// Bytes below the applied offset were already delivered; the chunk
		// wins the race and the resulting offset stays where delivery got to.
		return so.next, nil
	}
	so.next = appliedAt
	return so.next, nil
}

// closeStream releases a stream's offset state.
func (r *ReliabilityController) closeStream(streamID uint64) {
	delete(r.streams, streamID)
}
