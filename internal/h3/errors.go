package h3

import "fmt"

// ErrorCode is an HTTP/3 application error code, carried in stream resets
// and connection closes (RFC 9114 Section 8.1, plus the QPACK codes from
// RFC 9204 Section 6).
type ErrorCode uint64

const (
	// ErrCodeNoError (0x100): Graceful shutdown.
	ErrCodeNoError ErrorCode = 0x100
	// ErrCodeGeneralProtocolError (0x101): Peer violated the protocol in a
	// way that does not have a more specific code.
	ErrCodeGeneralProtocolError ErrorCode = 0x101
	// ErrCodeInternalError (0x102): Implementation fault.
	ErrCodeInternalError ErrorCode = 0x102
	// ErrCodeStreamCreationError (0x103): Stream the peer may not open.
	ErrCodeStreamCreationError ErrorCode = 0x103
	// ErrCodeClosedCriticalStream (0x104): A control or codec stream closed.
	ErrCodeClosedCriticalStream ErrorCode = 0x104
	// ErrCodeFrameUnexpected (0x105): Frame not permitted in this state.
	ErrCodeFrameUnexpected ErrorCode = 0x105
	// ErrCodeFrameError (0x106): Frame violated layout rules.
	ErrCodeFrameError ErrorCode = 0x106
	// ErrCodeExcessiveLoad (0x107): Peer exhibiting load-generating behavior.
	ErrCodeExcessiveLoad ErrorCode = 0x107
	// ErrCodeIDError (0x108): Stream or push id used incorrectly.
	ErrCodeIDError ErrorCode = 0x108
	// ErrCodeSettingsError (0x109): SETTINGS contents invalid.
	ErrCodeSettingsError ErrorCode = 0x109
	// ErrCodeMissingSettings (0x10a): Frame arrived before SETTINGS.
	ErrCodeMissingSettings ErrorCode = 0x10a
	// ErrCodeRequestRejected (0x10b): Request not processed at all.
	ErrCodeRequestRejected ErrorCode = 0x10b
	// ErrCodeRequestCancelled (0x10c): Request or push cancelled.
	ErrCodeRequestCancelled ErrorCode = 0x10c
	// ErrCodeRequestIncomplete (0x10d): Stream ended mid-message.
	ErrCodeRequestIncomplete ErrorCode = 0x10d
	// ErrCodeMessageError (0x10e): Malformed message.
	ErrCodeMessageError ErrorCode = 0x10e
	// ErrCodeConnectError (0x10f): TCP portion of a CONNECT failed.
	ErrCodeConnectError ErrorCode = 0x10f
	// ErrCodeVersionFallback (0x110): Retry over an earlier HTTP version.
	ErrCodeVersionFallback ErrorCode = 0x110
	// ErrCodeQPACKDecompressionFailed (0x200): Header block could not be
	// decoded.
	ErrCodeQPACKDecompressionFailed ErrorCode = 0x200
	// ErrCodeQPACKEncoderStreamError (0x201): Encoder stream carried an
	// invalid instruction.
	ErrCodeQPACKEncoderStreamError ErrorCode = 0x201
	// ErrCodeQPACKDecoderStreamError (0x202): Decoder stream carried an
	// invalid instruction.
	ErrCodeQPACKDecoderStreamError ErrorCode = 0x202
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "H3_NO_ERROR"
	case ErrCodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrCodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrCodeClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrCodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrCodeFrameError:
		return "H3_FRAME_ERROR"
	case ErrCodeExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrCodeIDError:
		return "H3_ID_ERROR"
	case ErrCodeSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrCodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrCodeRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrCodeRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case ErrCodeRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrCodeMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrCodeConnectError:
		return "H3_CONNECT_ERROR"
	case ErrCodeVersionFallback:
		return "H3_VERSION_FALLBACK"
	case ErrCodeQPACKDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	case ErrCodeQPACKEncoderStreamError:
		return "QPACK_ENCODER_STREAM_ERROR"
	case ErrCodeQPACKDecoderStreamError:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_0x%x", uint64(e))
	}
}

// ErrorKind classifies the errors surfaced to transaction handlers via
// OnError. It is deliberately coarser than ErrorCode: the handler needs to
// decide retry-vs-fail, not to re-derive protocol detail.
type ErrorKind uint8

const (
	// KindProtocolError: the connection was torn down over a protocol
	// violation (local or remote).
	KindProtocolError ErrorKind = iota + 1
	// KindTransportError: the transport reported a connection-level failure
	// (early-data rejection, peer close, path failure).
	KindTransportError
	// KindTimeout: a decode stall, orphaned push, or idle pushed
	// transaction expired.
	KindTimeout
	// KindStreamUnacknowledged: the stream fell above the peer's drain
	// watermark and was never processed; safe to retry elsewhere.
	KindStreamUnacknowledged
	// KindStreamReset: the peer reset this stream.
	KindStreamReset
	// KindDecodeError: this stream's header block was undecodable.
	KindDecodeError
	// KindNonMonotonicOffset: the transport reported a body offset moving
	// backward on this stream.
	KindNonMonotonicOffset
	// KindDropped: the local application dropped the connection.
	KindDropped
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocolError:
		return "protocol error"
	case KindTransportError:
		return "transport error"
	case KindTimeout:
		return "timeout"
	case KindStreamUnacknowledged:
		return "stream unacknowledged"
	case KindStreamReset:
		return "stream reset"
	case KindDecodeError:
		return "decode error"
	case KindNonMonotonicOffset:
		return "non-monotonic offset"
	case KindDropped:
		return "connection dropped"
	default:
		return fmt.Sprintf("unknown error kind %d", uint8(k))
	}
}

// StreamError is an error scoped to a single stream. The stream is reset and
// its transaction errored; the connection survives.
type StreamError struct {
	StreamID uint64
	Code     ErrorCode
	Kind     ErrorKind
	Msg      string
	Cause    error
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s)", e.StreamID, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint64, code ErrorCode, kind ErrorKind, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Kind: kind, Msg: msg}
}

// ConnectionError is an error that tears down the whole connection. Every
// still-open transaction receives OnError then OnDetach when one surfaces.
type ConnectionError struct {
	Code   ErrorCode
	Kind   ErrorKind
	Msg    string
	Cause  error
	Remote bool // reported by the transport or peer rather than detected locally
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if e.Cause != nil {
		return fmt.Sprintf("connection error (%s): %s (code %s): %s", origin, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error (%s): %s (code %s)", origin, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new locally-detected ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Kind: KindProtocolError, Msg: msg}
}

// NewTransportError creates a ConnectionError carrying a transport-reported
// reason, so handlers can distinguish retryable conditions.
func NewTransportError(code ErrorCode, reason string) *ConnectionError {
	return &ConnectionError{Code: code, Kind: KindTransportError, Msg: reason, Remote: true}
}
