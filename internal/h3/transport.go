package h3

// Transport is the ordered-byte-stream layer underneath the session. The
// session writes through it and receives its read events via the Session's
// OnStreamData / OnStreamReset / OnDataExpired / OnConnectionError methods,
// delivered one at a time by the external scheduler.
type Transport interface {
	// OpenBidiStream allocates the next locally-initiated bidirectional
	// stream and returns its id.
	OpenBidiStream() (uint64, error)

	// OpenUniStream allocates the next locally-initiated unidirectional
	// stream and returns its id.
	OpenUniStream() (uint64, error)

	// Write appends bytes to a stream's send buffer. endOfStream marks the
	// final bytes (FIN); no Write may follow it on the same stream.
	Write(streamID uint64, p []byte, endOfStream bool) error

	// ResetStream abruptly terminates a stream in both directions.
	ResetStream(streamID uint64, code ErrorCode) error

	// RejectDataTo asks the transport to stop delivering body bytes below
	// the given stream offset (partial reliability). It returns the offset
	// actually applied, which may be higher when delivery already progressed
	// past the target.
	RejectDataTo(streamID uint64, offset uint64) (uint64, error)

	// CloseConnection terminates the connection, notifying the peer with
	// the given code and reason.
	CloseConnection(code ErrorCode, reason string) error
}
