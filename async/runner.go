// Package async runs blocking work in goroutines and delivers the results
// back to a single owning goroutine as callbacks.
package async

// A Runner spawns a goroutine per function and associates a callback with
// it. The callback runs inside ProcessMessages, so it may touch state owned
// by the caller's goroutine without locking.
//
//	runner := async.NewRunner()
//	runner.RunAsync(func() error { return svc.Cancel(ctx, h) }, func(err error) {
//	  trial.Status = statusFor(err) // safe: runs on the loop goroutine
//	})
//	for runner.NumRunning() > 0 {
//	  <-runner.Ready()
//	  runner.ProcessMessages()
//	}
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{
		bx: NewMailbox(),
	}
}

func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// Ready fires after any function started by this Runner returns.
func (r *Runner) Ready() <-chan struct{} {
	return r.bx.Ready()
}

// RunAsync runs f in a new goroutine. cb receives f's error on a later call
// to ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		rsp.SetValue(f())
	}(asyncErr)
}

// Invokes all callbacks of completed functions on the calling goroutine.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
