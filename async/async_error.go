package async

// AsyncError is a single-assignment error value, completed by SetValue from
// the goroutine doing the work and read by the goroutine owning the Mailbox.
type AsyncError struct {
	errCh     chan error
	notify    func()
	val       error
	completed bool
}

func newAsyncError(notify func()) *AsyncError {
	return &AsyncError{
		errCh:  make(chan error, 1),
		notify: notify,
	}
}

// SetValue completes the AsyncError. Calling it twice panics.
func (e *AsyncError) SetValue(err error) {
	e.errCh <- err
	close(e.errCh)
	if e.notify != nil {
		e.notify()
	}
}

// TryGetValue reports whether the value is set and, if so, returns it.
func (e *AsyncError) TryGetValue() (bool, error) {
	if e.completed {
		return true, e.val
	}
	select {
	case err := <-e.errCh:
		e.val = err
		e.completed = true
		return true, err
	default:
		return false, nil
	}
}
