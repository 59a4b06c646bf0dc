package async

// A Mailbox tracks in-flight AsyncErrors and their callbacks. Callbacks run
// in ProcessMessages, on the goroutine that owns the Mailbox, one at a time.
// The control loop selects on Ready() to wake up as soon as something has
// completed instead of waiting for its next tick.
//
// A Mailbox is not thread-safe apart from SetValue on the AsyncErrors it
// hands out.
type Mailbox struct {
	msgs  []message
	ready chan struct{}
}

// The function type of the callback invoked when an AsyncError is Completed
type AsyncErrorResponseHandler func(error)

type message struct {
	Err      *AsyncError
	callback AsyncErrorResponseHandler
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		ready: make(chan struct{}, 1),
	}
}

func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Ready fires at least once after any AsyncError of this Mailbox completes.
func (bx *Mailbox) Ready() <-chan struct{} {
	return bx.ready
}

func (bx *Mailbox) signal() {
	select {
	case bx.ready <- struct{}{}:
	default:
	}
}

// NewAsyncError registers cb to run on the first ProcessMessages after the
// returned AsyncError is completed.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	msg := message{Err: newAsyncError(bx.signal), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.Err
}

// ProcessMessages invokes the callbacks of completed AsyncErrors in the order
// they were registered, and drops them from the Mailbox.
func (bx *Mailbox) ProcessMessages() {
	var unCompletedMsgs []message
	msgs := bx.msgs
	bx.msgs = nil
	for _, msg := range msgs {
		if ok, err := msg.Err.TryGetValue(); ok {
			msg.callback(err)
		} else {
			unCompletedMsgs = append(unCompletedMsgs, msg)
		}
	}
	// callbacks may have registered new messages
	bx.msgs = append(unCompletedMsgs, bx.msgs...)
}
