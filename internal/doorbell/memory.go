// Package doorbell implements the guest-visible NVMe doorbell register file
// and the wakeup protocol between the MMIO write path and queue tasks.
//
// Index layout follows the NVMe register map with a 4-byte stride:
// index 2*qid is the submission queue tail doorbell of queue qid and
// index 2*qid+1 is the completion queue head doorbell.
//
// An index outside [0, Len()) is a programming error and panics. Guest
// supplied offsets must be range checked before they reach Write.
package doorbell

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Stride is the distance in bytes between two doorbell registers
const Stride = 4

var (
	ErrInvalidCount     = errors.New("doorbell: count must be positive")
	ErrRegionTooSmall   = errors.New("doorbell: region too small")
	ErrRegionMisaligned = errors.New("doorbell: region not 4-byte aligned")
	ErrAlreadyBound     = errors.New("doorbell: index already bound")
	ErrClosed           = errors.New("doorbell: closed")
)

// Config describes a doorbell register file
type Config struct {
	// Count is the number of doorbells, normally 2*(maxIOQueues+1)
	Count int

	// Region optionally supplies the register backing store, for example a
	// mapping shared with the guest. The caller keeps ownership. When nil a
	// region is allocated and released by Close.
	Region []byte

	// Observer receives write and poll events (optional)
	Observer Observer
}

// slot holds the single pending waker for one doorbell. waker is guarded by
// mu while Memory.mu is held shared, and by Memory.mu alone when held
// exclusively.
type slot struct {
	mu    sync.Mutex
	waker Waker
	bound bool
}

// Memory owns the doorbell register file and one waker slot per doorbell
type Memory struct {
	mu       sync.RWMutex
	region   []byte
	owned    bool
	closed   bool
	slots    []slot
	observer Observer
}

// New creates a doorbell register file with all registers zeroed
func New(config Config) (*Memory, error) {
	if config.Count <= 0 {
		return nil, ErrInvalidCount
	}
	size := config.Count * Stride

	region := config.Region
	owned := false
	if region == nil {
		var err error
		region, err = allocRegion(size)
		if err != nil {
			return nil, fmt.Errorf("doorbell: allocate %d byte region: %w", size, err)
		}
		owned = true
	} else {
		if len(region) < size {
			return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrRegionTooSmall, len(region), size)
		}
		if uintptr(unsafe.Pointer(&region[0]))%Stride != 0 {
			return nil, ErrRegionMisaligned
		}
		for i := 0; i < config.Count; i++ {
			atomic.StoreUint32((*uint32)(unsafe.Pointer(&region[i*Stride])), 0)
		}
	}

	return &Memory{
		region:   region,
		owned:    owned,
		slots:    make([]slot, config.Count),
		observer: config.Observer,
	}, nil
}

// Len returns the number of doorbells
func (m *Memory) Len() int {
	return len(m.slots)
}

func (m *Memory) check(index int) {
	if index < 0 || index >= len(m.slots) {
		panic(fmt.Sprintf("doorbell: index %d out of range [0,%d)", index, len(m.slots)))
	}
}

// reg returns the register for index. Callers hold mu and have checked the index.
func (m *Memory) reg(index int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.region[index*Stride]))
}

// Read returns the committed value of a doorbell. It has no side effects.
// A closed Memory reads as zero.
func (m *Memory) Read(index int) uint32 {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0
	}
	return atomic.LoadUint32(m.reg(index))
}

// Probe returns the same value as Read
func (m *Memory) Probe(index int) uint32 {
	v, _ := m.load(index)
	return v
}

// load returns the value at index and false if the Memory is closed.
// State.Poll uses it for compare-only checks around waker registration.
func (m *Memory) load(index int) (uint32, bool) {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false
	}
	return atomic.LoadUint32(m.reg(index)), true
}

func (m *Memory) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Write stores value and wakes the waker registered on index, if any. The
// waker is cleared before it is invoked and runs after the lock is released.
// Writes to a closed Memory are dropped.
func (m *Memory) Write(index int, value uint32) {
	m.check(index)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	atomic.StoreUint32(m.reg(index), value)
	s := &m.slots[index]
	w := s.waker
	s.waker = nil
	m.mu.Unlock()

	if w != nil {
		w.Wake()
	}
	if m.observer != nil {
		m.observer.ObserveDoorbellWrite(index, w != nil)
	}
}

// RegisterWaker installs w as the waker for index, replacing any previous
// one. The waker fires at most once, on the next Write to index.
func (m *Memory) RegisterWaker(index int, w Waker) {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	s := &m.slots[index]
	s.mu.Lock()
	s.waker = w
	s.mu.Unlock()
}

// ClearWaker removes the waker registered on index without invoking it and
// reports whether one was present.
func (m *Memory) ClearWaker(index int) bool {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &m.slots[index]
	s.mu.Lock()
	had := s.waker != nil
	s.waker = nil
	s.mu.Unlock()
	return had
}

// Bind returns the State for index. At most one State may be bound to an
// index at a time; the binding is released by State.Close.
func (m *Memory) Bind(index int) (*State, error) {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &m.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyBound, index)
	}
	s.bound = true
	return newState(m, index), nil
}

// Bound reports whether a State currently owns index
func (m *Memory) Bound(index int) bool {
	m.check(index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &m.slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (m *Memory) unbind(index int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &m.slots[index]
	s.mu.Lock()
	s.waker = nil
	s.bound = false
	s.mu.Unlock()
}

// Snapshot returns a copy of every doorbell value
func (m *Memory) Snapshot() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint32, len(m.slots))
	if m.closed {
		return out
	}
	for i := range out {
		out[i] = atomic.LoadUint32(m.reg(i))
	}
	return out
}

// Close drops all pending wakers without invoking them and releases an
// owned region. Later writes are ignored and reads return zero.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for i := range m.slots {
		m.slots[i].waker = nil
	}

	var err error
	if m.owned {
		err = freeRegion(m.region)
	}
	m.region = nil
	return err
}
