//go:build linux

package uring

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

var _ interfaces.Interrupter = (*Notifier)(nil)

func newTestNotifier(t *testing.T, config Config) *Notifier {
	t.Helper()
	n, err := NewNotifier(config)
	if err != nil {
		// sandboxes and older kernels refuse io_uring_setup
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EACCES) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func readCounter(t *testing.T, fd int) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	nr, err := unix.Read(fd, buf)
	if errors.Is(err, unix.EAGAIN) {
		return 0
	}
	require.NoError(t, err)
	require.Equal(t, 8, nr)
	return binary.NativeEndian.Uint64(buf)
}

func TestNotifierSignal(t *testing.T) {
	n := newTestNotifier(t, Config{Vectors: 2, Entries: 8})

	for i := 0; i < 3; i++ {
		require.NoError(t, n.Signal(1))
	}
	require.NoError(t, n.Flush())

	fd0, err := n.FD(0)
	require.NoError(t, err)
	fd1, err := n.FD(1)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), readCounter(t, fd0))
	assert.Equal(t, uint64(3), readCounter(t, fd1))
}

func TestNotifierMoreSignalsThanEntries(t *testing.T) {
	n := newTestNotifier(t, Config{Vectors: 1, Entries: 4})

	for i := 0; i < 100; i++ {
		require.NoError(t, n.Signal(0))
	}
	require.NoError(t, n.Flush())

	fd, err := n.FD(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), readCounter(t, fd))
}

func TestNotifierInvalidVector(t *testing.T) {
	_, err := NewNotifier(Config{Vectors: 0})
	assert.ErrorIs(t, err, ErrInvalidVector)

	n := newTestNotifier(t, Config{Vectors: 2})
	assert.ErrorIs(t, n.Signal(2), ErrInvalidVector)
	_, err = n.FD(2)
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestNotifierClose(t *testing.T) {
	n := newTestNotifier(t, Config{Vectors: 1})
	require.NoError(t, n.Signal(0))

	require.NoError(t, n.Close())
	assert.NoError(t, n.Close())
	assert.ErrorIs(t, n.Signal(0), ErrClosed)
	assert.ErrorIs(t, n.Flush(), ErrClosed)
	_, err := n.FD(0)
	assert.ErrorIs(t, err, ErrClosed)
}
