package h3

import "fmt"

// DrainCoordinator tracks GOAWAY watermarks in both directions and decides,
// once per stream, whether an in-flight stream was acknowledged by the peer.
// Watermarks may only tighten: the first GOAWAY in a direction establishes
// the drain and every later one must be at or below the previous.
type DrainCoordinator struct {
	received    uint64
	hasReceived bool
	sent        uint64
	hasSent     bool

	classified map[uint64]bool
}

func newDrainCoordinator() *DrainCoordinator {
	return &DrainCoordinator{classified: make(map[uint64]bool)}
}

// onGoawayReceived records the peer's watermark. A looser (higher) watermark
// than a previous one is a protocol error.
func (d *DrainCoordinator) onGoawayReceived(watermark uint64) error {
	if d.hasReceived && watermark > d.received {
		return NewConnectionError(ErrCodeIDError,
			fmt.Sprintf("goaway watermark raised from %d to %d", d.received, watermark))
	}
	d.received = watermark
	d.hasReceived = true
	return nil
}

// onGoawaySent validates and records a locally-sent watermark under the same
// tightening rule.
func (d *DrainCoordinator) onGoawaySent(watermark uint64) error {
	if d.hasSent && watermark > d.sent {
		return NewConnectionError(ErrCodeIDError,
			fmt.Sprintf("goaway watermark raised from %d to %d", d.sent, watermark))
	}
	d.sent = watermark
	d.hasSent = true
	return nil
}

// draining reports whether a drain has begun in either direction.
func (d *DrainCoordinator) draining() bool {
	return d.hasReceived || d.hasSent
}

// receivedWatermark returns the lowest watermark the peer has sent.
func (d *DrainCoordinator) receivedWatermark() (uint64, bool) {
	return d.received, d.hasReceived
}

// sentWatermark returns the lowest watermark sent locally.
func (d *DrainCoordinator) sentWatermark() (uint64, bool) {
	return d.sent, d.hasSent
}

// classify decides a stream's fate against the received watermark. A stream
// at or below the watermark stays acknowledged for now but may be
// re-examined under a later, tighter watermark; a stream above it is
// unacknowledged, and first is true only on the call that discovers that, so
// repeated drains never error the same stream twice.
func (d *DrainCoordinator) classify(streamID uint64) (unacknowledged, first bool) {
	if d.classified[streamID] {
		return true, false
	}
	if !d.hasReceived || streamID <= d.received {
		return false, false
	}
	d.classified[streamID] = true
	return true, true
}
