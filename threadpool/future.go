package threadpool

// Future is the completion handle returned by EnqueueTask: the pool
// preserves the task's result (or a recovered panic, surfaced as an
// error) and the caller awaits it with Get.
type Future struct {
	done chan struct{}
	val  interface{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(val interface{}, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Get blocks until the task completes and returns its result along with
// any error — either one returned by the task itself or one wrapping a
// recovered panic (UserHandlerException, in the framework's taxonomy).
func (f *Future) Get() (interface{}, error) {
	<-f.done
	return f.val, f.err
}

// Done returns a channel closed once the task completes, for use in a
// select alongside other readiness signals.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
