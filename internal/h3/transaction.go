package h3

import (
	"errors"

	"golang.org/x/net/http2/hpack"
)

// Handler receives a transaction's ingress events. All callbacks fire
// synchronously within the session event that triggered them; after OnDetach
// no further callback arrives.
type Handler interface {
	// OnHeaders delivers the complete decoded header list. For a pushed
	// transaction these are the promise's headers.
	OnHeaders(headers []hpack.HeaderField)
	// OnBody delivers body bytes starting at the given stream offset.
	OnBody(offset uint64, p []byte)
	// OnBodySkipped reports that delivery jumped forward: bytes below the
	// given offset were expired or rejected and will never arrive.
	OnBodySkipped(offset uint64)
	// OnEOM marks the clean end of the ingress message.
	OnEOM()
	// OnError reports an abnormal end. OnDetach always follows.
	OnError(kind ErrorKind)
	// OnDetach severs the transaction from the session. Fires exactly once.
	OnDetach()
	// OnPushPromise announces a pushed transaction correlated with this one.
	// The promise's header list accompanies it; body follows on pushTxn.
	OnPushPromise(pushTxn *Transaction, headers []hpack.HeaderField)
}

// HandlerFactory builds handlers for pushed transactions. When the session
// has none, a pushed transaction shares its parent's handler.
type HandlerFactory func(pushTxn *Transaction) Handler

var (
	errTransactionDetached = errors.New("h3: transaction detached")
	errEgressClosed        = errors.New("h3: egress already closed")
	errPushEgress          = errors.New("h3: pushed transactions carry no egress")
)

// Transaction is one request/response (or push) exchange multiplexed on the
// session. Not safe for concurrent use; same discipline as Session.
type Transaction struct {
	session *Session
	handler Handler

	streamID uint64
	pushID   uint64
	isPush   bool

	headersDelivered bool
	queuedBody       []bodyChunk
	queuedEOM        bool

	headersSent   bool
	egressClosed  bool
	ingressClosed bool
	detached      bool

	idleTimer *timer
}

// ID returns the underlying stream id.
func (t *Transaction) ID() uint64 { return t.streamID }

// PushID returns the push id and true for pushed transactions.
func (t *Transaction) PushID() (uint64, bool) {
	return t.pushID, t.isPush
}

// SendHeaders encodes and sends the transaction's header list.
func (t *Transaction) SendHeaders(headers []hpack.HeaderField) error {
	if t.detached {
		return errTransactionDetached
	}
	if t.isPush {
		return errPushEgress
	}
	if t.egressClosed {
		return errEgressClosed
	}
	if err := t.session.sendHeaders(t, headers); err != nil {
		return err
	}
	t.headersSent = true
	return nil
}

// SendBody sends body bytes. Headers must have been sent first.
func (t *Transaction) SendBody(p []byte) error {
	if t.detached {
		return errTransactionDetached
	}
	if t.isPush {
		return errPushEgress
	}
	if t.egressClosed {
		return errEgressClosed
	}
	if !t.headersSent {
		return errors.New("h3: body before headers")
	}
	return t.session.sendBody(t, p)
}

// SendEOM closes the egress direction.
func (t *Transaction) SendEOM() error {
	if t.detached {
		return errTransactionDetached
	}
	if t.isPush {
		return errPushEgress
	}
	if t.egressClosed {
		return errEgressClosed
	}
	t.egressClosed = true
	if err := t.session.sendEOM(t); err != nil {
		return err
	}
	t.maybeComplete()
	return nil
}

// RejectBodyTo asks the transport to stop delivering body bytes below
// offset. It returns the offset actually applied. Failure is local and does
// not close the stream.
func (t *Transaction) RejectBodyTo(offset uint64) (uint64, error) {
	if t.detached {
		return 0, errTransactionDetached
	}
	return t.session.rejectBodyTo(t, offset)
}

// Abort resets the stream and detaches without an error callback.
func (t *Transaction) Abort() {
	if t.detached {
		return
	}
	t.session.abortTransaction(t)
}

// deliverHeaders fires OnHeaders and flushes any events queued behind it.
func (t *Transaction) deliverHeaders(headers []hpack.HeaderField) {
	if t.detached || t.headersDelivered {
		return
	}
	t.headersDelivered = true
	t.handler.OnHeaders(headers)
	queued := t.queuedBody
	t.queuedBody = nil
	for _, chunk := range queued {
		if t.detached {
			return
		}
		if chunk.skipped {
			t.handler.OnBodySkipped(chunk.offset)
		} else {
			t.handler.OnBody(chunk.offset, chunk.data)
		}
	}
	if t.queuedEOM && !t.detached {
		t.queuedEOM = false
		t.deliverEOM()
	}
}

// deliverBody forwards body bytes, or queues them while headers are still
// pending so the handler never sees body before headers.
func (t *Transaction) deliverBody(offset uint64, p []byte) {
	if t.detached {
		return
	}
	t.touch()
	if !t.headersDelivered {
		t.queuedBody = append(t.queuedBody, bodyChunk{offset: offset, data: p})
		return
	}
	t.handler.OnBody(offset, p)
}

// deliverSkipped forwards a skip event, subject to the same ordering gate as
// body.
func (t *Transaction) deliverSkipped(offset uint64) {
	if t.detached {
		return
	}
	t.touch()
	if !t.headersDelivered {
		t.queuedBody = append(t.queuedBody, bodyChunk{offset: offset, skipped: true})
		return
	}
	t.handler.OnBodySkipped(offset)
}

// deliverEOM closes ingress, completing the transaction if egress is done.
func (t *Transaction) deliverEOM() {
	if t.detached || t.ingressClosed {
		return
	}
	if !t.headersDelivered {
		t.queuedEOM = true
		return
	}
	t.ingressClosed = true
	t.idleTimer.cancel()
	t.handler.OnEOM()
	t.maybeComplete()
}

func (t *Transaction) maybeComplete() {
	if t.ingressClosed && t.egressClosed {
		t.detach()
	}
}

// errorOut fires OnError then OnDetach, each at most once.
func (t *Transaction) errorOut(kind ErrorKind) {
	if t.detached {
		return
	}
	t.handler.OnError(kind)
	t.detach()
}

// detach fires OnDetach exactly once and releases session state.
func (t *Transaction) detach() {
	if t.detached {
		return
	}
	t.detached = true
	t.idleTimer.cancel()
	t.handler.OnDetach()
	t.session.onTransactionDetached(t)
}

// touch resets the idle timer on pushed transactions.
func (t *Transaction) touch() {
	if t.idleTimer != nil && !t.ingressClosed {
		t.idleTimer.cancel()
		t.idleTimer = t.session.schedulePushIdle(t)
	}
}
