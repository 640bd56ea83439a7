package doorbell

// Waker is notified when the doorbell it is registered on is written.
// Wake is called from the MMIO write path and must not block.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to the Waker interface
type WakerFunc func()

// Wake calls f()
func (f WakerFunc) Wake() {
	f()
}

// ChanWaker turns wakes into a pending signal on a one-slot channel.
// Multiple wakes before the receiver runs coalesce into one, and a wake
// after the receiver has gone away is dropped.
type ChanWaker struct {
	c chan struct{}
}

// NewChanWaker creates a waker with no pending signal
func NewChanWaker() *ChanWaker {
	return &ChanWaker{c: make(chan struct{}, 1)}
}

// Wake posts a signal without blocking
func (w *ChanWaker) Wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives wake signals
func (w *ChanWaker) C() <-chan struct{} {
	return w.c
}

// Drain discards a pending signal, if any
func (w *ChanWaker) Drain() {
	select {
	case <-w.c:
	default:
	}
}

var (
	_ Waker = (*ChanWaker)(nil)
	_ Waker = WakerFunc(nil)
)
