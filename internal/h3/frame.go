package h3

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType identifies a frame on a request, push, or control stream.
type FrameType uint64

const (
	FrameData        FrameType = 0x0
	FrameHeaders     FrameType = 0x1
	FrameCancelPush  FrameType = 0x3
	FrameSettings    FrameType = 0x4
	FramePushPromise FrameType = 0x5
	FrameGoaway      FrameType = 0x7
	FrameMaxPushID   FrameType = 0xd
)

// Unidirectional stream type prefaces.
const (
	streamTypeControl      uint64 = 0x00
	streamTypePush         uint64 = 0x01
	streamTypeQPACKEncoder uint64 = 0x02
	streamTypeQPACKDecoder uint64 = 0x03
)

// SETTINGS identifiers.
const (
	settingQPACKMaxTableCapacity uint64 = 0x01
	settingPartialReliability    uint64 = 0x2f01
)

// appendFrame appends a frame header (varint type, varint length) and the
// payload to dst.
func appendFrame(dst []byte, typ FrameType, payload []byte) []byte {
	dst = quicvarint.Append(dst, uint64(typ))
	dst = quicvarint.Append(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// frameParser reassembles frames from a stream's byte arrivals, which may be
// split at any point including inside the varint header.
type frameParser struct {
	buf []byte
}

func (p *frameParser) feed(data []byte) {
	p.buf = append(p.buf, data...)
}

func (p *frameParser) buffered() int {
	return len(p.buf)
}

// next returns the next complete frame, or ok=false when more bytes are
// needed. The returned payload aliases no parser state.
func (p *frameParser) next() (typ FrameType, payload []byte, ok bool, err error) {
	t, n, err := quicvarint.Parse(p.buf)
	if err != nil {
		return 0, nil, false, eofAsNeedMore(err)
	}
	length, m, err := quicvarint.Parse(p.buf[n:])
	if err != nil {
		return 0, nil, false, eofAsNeedMore(err)
	}
	header := n + m
	if uint64(len(p.buf)-header) < length {
		return 0, nil, false, nil
	}
	payload = make([]byte, length)
	copy(payload, p.buf[header:header+int(length)])
	p.buf = p.buf[header+int(length):]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return FrameType(t), payload, true, nil
}

// eofAsNeedMore maps quicvarint's truncation errors to "wait for more
// bytes"; anything else is a real parse failure.
func eofAsNeedMore(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// varintAccumulator reads a single varint that may arrive a byte at a time,
// for stream-type prefaces and push ids.
type varintAccumulator struct {
	buf []byte
}

// feed consumes bytes from data until the varint completes. It returns the
// value, the number of bytes consumed from data, and done=true once the
// varint is complete.
func (a *varintAccumulator) feed(data []byte) (v uint64, consumed int, done bool, err error) {
	for consumed < len(data) {
		a.buf = append(a.buf, data[consumed])
		consumed++
		val, n, perr := quicvarint.Parse(a.buf)
		if perr != nil {
			if eofAsNeedMore(perr) == nil {
				continue
			}
			return 0, consumed, false, perr
		}
		if n != len(a.buf) {
			return 0, consumed, false, errors.New("h3: trailing bytes inside varint accumulator")
		}
		a.buf = nil
		return val, consumed, true, nil
	}
	return 0, consumed, false, nil
}

// settings is the decoded contents of a SETTINGS frame.
type settings struct {
	qpackMaxTableCapacity uint64
	partialReliability    bool
}

// parseSettings decodes a SETTINGS payload: a sequence of varint id, varint
// value pairs. Unknown identifiers are ignored.
func parseSettings(payload []byte) (settings, error) {
	var s settings
	for len(payload) > 0 {
		id, n, err := quicvarint.Parse(payload)
		if err != nil {
			return s, NewConnectionError(ErrCodeSettingsError, "truncated settings identifier")
		}
		payload = payload[n:]
		val, n, err := quicvarint.Parse(payload)
		if err != nil {
			return s, NewConnectionError(ErrCodeSettingsError, "truncated settings value")
		}
		payload = payload[n:]
		switch id {
		case settingQPACKMaxTableCapacity:
			s.qpackMaxTableCapacity = val
		case settingPartialReliability:
			s.partialReliability = val != 0
		}
	}
	return s, nil
}

// appendSettings encodes a SETTINGS payload.
func appendSettings(dst []byte, s settings) []byte {
	dst = quicvarint.Append(dst, settingQPACKMaxTableCapacity)
	dst = quicvarint.Append(dst, s.qpackMaxTableCapacity)
	if s.partialReliability {
		dst = quicvarint.Append(dst, settingPartialReliability)
		dst = quicvarint.Append(dst, 1)
	}
	return dst
}
