//go:build !linux

package uring

// Notifier is only available on Linux
type Notifier struct{}

func NewNotifier(config Config) (*Notifier, error) {
	return nil, ErrNotSupported
}

func (n *Notifier) FD(vector uint16) (int, error) { return -1, ErrNotSupported }
func (n *Notifier) Signal(vector uint16) error    { return ErrNotSupported }
func (n *Notifier) Flush() error                  { return ErrNotSupported }
func (n *Notifier) Close() error                  { return nil }
