// Package guestmem provides guest memory implementations for the controller
package guestmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvme/internal/interfaces"
)

var (
	ErrOutOfRange = errors.New("guestmem: access outside guest memory")
	ErrClosed     = errors.New("guestmem: closed")
)

// Memory is a heap-backed guest physical address space starting at GPA 0
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewMemory creates zeroed guest memory of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

func (m *Memory) check(n int, off int64) error {
	if m.data == nil {
		return ErrClosed
	}
	if off < 0 || off+int64(n) > m.size {
		return fmt.Errorf("%w: gpa %#x len %d (size %#x)", ErrOutOfRange, off, n, m.size)
	}
	return nil
}

// ReadAt implements the GuestMemory interface. Accesses that do not fit
// entirely in guest memory fail without transferring data.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	m.reads.Add(1)
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the GuestMemory interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	m.writes.Add(1)
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the GuestMemory interface
func (m *Memory) Size() int64 {
	return m.size
}

// Zero clears length bytes starting at off
func (m *Memory) Zero(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(int(length), off); err != nil {
		return err
	}
	clear(m.data[off : off+length])
	return nil
}

// Close releases the backing store. Later accesses fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil
	return nil
}

// Stats implements the StatMemory interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
		"reads":     m.reads.Load(),
		"writes":    m.writes.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.GuestMemory = (*Memory)(nil)
	_ interfaces.StatMemory  = (*Memory)(nil)
)
