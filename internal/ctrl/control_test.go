package ctrl

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ehrlich-b/go-nvme/guestmem"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sqBase    = 0x0000
	cqBase    = 0x8000
	guestSize = 0x10000
	ringDepth = 8
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type handlerFunc func(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion

func (f handlerFunc) HandleCommand(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion {
	return f(ctx, qid, cmd)
}

type countingInterrupter struct {
	signals atomic.Int32
}

func (i *countingInterrupter) Signal(vector uint16) error {
	i.signals.Add(1)
	return nil
}

type countingObserver struct {
	writes  atomic.Int64
	unknown atomic.Int64
}

func (o *countingObserver) ObserveDoorbellWrite(index int, woke bool)                 { o.writes.Add(1) }
func (o *countingObserver) ObservePoll(index int, outcome doorbell.PollOutcome)       {}
func (o *countingObserver) ObservePark(index int, parkedNs uint64)                    {}
func (o *countingObserver) ObserveUnknownDoorbell(index int)                          { o.unknown.Add(1) }
func (o *countingObserver) ObserveCommand(qid uint16, latencyNs uint64, success bool) {}
func (o *countingObserver) ObserveCompletion(qid uint16)                              {}
func (o *countingObserver) ObserveCompletionQueueFull(qid uint16)                     {}

type fixture struct {
	c        *Controller
	mem      *guestmem.Memory
	intr     *countingInterrupter
	observer *countingObserver
	handled  atomic.Int32
	log      *syncBuffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      guestmem.NewMemory(guestSize),
		intr:     &countingInterrupter{},
		observer: &countingObserver{},
		log:      &syncBuffer{},
	}
	params := DefaultControllerParams(f.mem, handlerFunc(func(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion {
		f.handled.Add(1)
		return regs.Completion{DW0: uint32(cmd.Opcode)}
	}))
	params.MaxIOQueues = 2
	params.Interrupter = f.intr
	params.Observer = f.observer
	params.Logger = logging.NewLogger(&logging.Config{
		Level:   logging.LevelDebug,
		Output:  f.log,
		Sync:    true,
		NoColor: true,
	})

	c, err := NewController(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	f.c = c
	return f
}

func pair(qid uint16) QueuePairParams {
	// rings for different queues share guest memory; tests only drive one
	return QueuePairParams{
		QueueID: qid,
		SQ:      queue.RingConfig{GPA: sqBase, Depth: ringDepth},
		CQ:      queue.RingConfig{GPA: cqBase, Depth: ringDepth},
		Vector:  qid,
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func sqTail(qid uint16) uint16 { return regs.DoorbellOffset(regs.SQTailDoorbell(qid)) }
func cqHead(qid uint16) uint16 { return regs.DoorbellOffset(regs.CQHeadDoorbell(qid)) }

func TestNewControllerValidation(t *testing.T) {
	mem := guestmem.NewMemory(4096)
	h := handlerFunc(func(context.Context, uint16, *regs.Command) regs.Completion { return regs.Completion{} })

	_, err := NewController(context.Background(), ControllerParams{Handler: h})
	assert.Error(t, err, "memory required")

	_, err = NewController(context.Background(), ControllerParams{Memory: mem})
	assert.Error(t, err, "handler required")

	params := DefaultControllerParams(mem, h)
	params.MaxIOQueues = -1
	_, err = NewController(context.Background(), params)
	assert.ErrorIs(t, err, ErrInvalidQueueID)

	params.MaxIOQueues = regs.MAX_IO_QUEUES + 1
	_, err = NewController(context.Background(), params)
	assert.ErrorIs(t, err, ErrInvalidQueueID)

	params = DefaultControllerParams(mem, h)
	params.Logger = logging.NewLogger(&logging.Config{Output: &syncBuffer{}, Sync: true, NoColor: true})
	params.Region = make([]byte, 4)
	_, err = NewController(context.Background(), params)
	assert.ErrorIs(t, err, doorbell.ErrRegionTooSmall)
}

func TestWriteBAR0Decode(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		addr    uint16
		data    []byte
		wantErr error
	}{
		{"aligned doorbell", 0x1000, le32(1), nil},
		{"misaligned", 0x1002, le32(1), ErrInvalidRegister},
		{"short write", 0x1004, []byte{1, 0}, ErrInvalidAccessSize},
		{"long write", 0x1004, make([]byte, 8), ErrInvalidAccessSize},
		{"controller register", regs.REG_CC, le32(1), ErrUnhandledRegister},
		{"unknown doorbell", regs.DoorbellOffset(100), le32(1), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.c.WriteBAR0(tt.addr, tt.data)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestWriteBAR0StoresValue(t *testing.T) {
	f := newFixture(t)
	db := f.c.Doorbells()

	require.NoError(t, f.c.WriteBAR0(cqHead(1), le32(0xdeadbeef)))
	assert.Equal(t, uint32(0xdeadbeef), db.Read(regs.CQHeadDoorbell(1)))
	assert.Equal(t, uint32(0), db.Read(regs.SQTailDoorbell(1)))

	last := db.Len() - 1
	require.NoError(t, f.c.WriteBAR0(regs.DoorbellOffset(last), le32(7)))
	assert.Equal(t, uint32(7), db.Read(last))
	assert.Equal(t, int64(2), f.observer.writes.Load())
}

func TestWriteBAR0UnknownDoorbellRateLimited(t *testing.T) {
	f := newFixture(t)
	unknown := regs.DoorbellOffset(f.c.Doorbells().Len())

	for i := 0; i < 20; i++ {
		require.NoError(t, f.c.WriteBAR0(unknown, le32(uint32(i))))
	}

	assert.Equal(t, int64(20), f.observer.unknown.Load())
	assert.Equal(t, int64(0), f.observer.writes.Load(), "unknown doorbells are not stored")

	warnings := strings.Count(f.log.String(), "unknown doorbell")
	assert.Equal(t, warnings, strings.Count(f.log.String(), "doorbell=6"))
	assert.GreaterOrEqual(t, warnings, 5)
	assert.Less(t, warnings, 20)
}

func TestReadBAR0(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.WriteBAR0(sqTail(1), le32(3)))

	data := le32(0xffffffff)
	require.NoError(t, f.c.ReadBAR0(sqTail(1), data))
	assert.Equal(t, le32(0), data, "doorbells read as zero")

	require.NoError(t, f.c.ReadBAR0(regs.REG_CSTS, data))
	assert.Equal(t, uint32(regs.CSTS_RDY), binary.LittleEndian.Uint32(data))

	assert.ErrorIs(t, f.c.ReadBAR0(0x1001, data), ErrInvalidRegister)
	assert.ErrorIs(t, f.c.ReadBAR0(sqTail(1), data[:2]), ErrInvalidAccessSize)
	assert.ErrorIs(t, f.c.ReadBAR0(regs.REG_CAP, data), ErrUnhandledRegister)
}

func TestQueuePairEndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.CreateQueuePair(pair(1)))

	buf := make([]byte, regs.SQE_SIZE)
	for i := 0; i < 3; i++ {
		regs.EncodeCommand(buf, &regs.Command{Opcode: regs.NVM_OP_READ, CID: uint16(10 + i)})
		_, err := f.mem.WriteAt(buf, sqBase+int64(i)*regs.SQE_SIZE)
		require.NoError(t, err)
	}
	require.NoError(t, f.c.WriteBAR0(sqTail(1), le32(3)))

	require.Eventually(t, func() bool {
		return f.intr.signals.Load() == 3
	}, 2*time.Second, time.Millisecond)

	entry := make([]byte, regs.CQE_SIZE)
	for i := 0; i < 3; i++ {
		_, err := f.mem.ReadAt(entry, cqBase+int64(i)*regs.CQE_SIZE)
		require.NoError(t, err)
		require.True(t, regs.CompletionPhase(entry), "entry %d", i)

		var c regs.Completion
		require.NoError(t, regs.DecodeCompletion(entry, &c))
		assert.Equal(t, uint16(10+i), c.CID)
		assert.Equal(t, uint16(1), c.SQID)
		assert.Equal(t, uint16(i+1), c.SQHead)
		assert.True(t, c.Status.Success())
		assert.Equal(t, uint32(regs.NVM_OP_READ), c.DW0)
	}

	require.NoError(t, f.c.WriteBAR0(cqHead(1), le32(3)))
	assert.Equal(t, int32(3), f.handled.Load())
	assert.Nil(t, f.c.Fatal())
}

func TestCreateQueuePairZeroesDoorbells(t *testing.T) {
	f := newFixture(t)
	db := f.c.Doorbells()

	require.NoError(t, f.c.WriteBAR0(sqTail(2), le32(5)))
	require.NoError(t, f.c.WriteBAR0(cqHead(2), le32(6)))

	require.NoError(t, f.c.CreateQueuePair(pair(2)))
	assert.Equal(t, uint32(0), db.Read(regs.SQTailDoorbell(2)))
	assert.Equal(t, uint32(0), db.Read(regs.CQHeadDoorbell(2)))
	assert.True(t, db.Bound(regs.SQTailDoorbell(2)))
	assert.True(t, db.Bound(regs.CQHeadDoorbell(2)))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), f.handled.Load(), "stale tail must not be consumed")
}

func TestQueuePairLifecycleErrors(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.c.CreateQueuePair(pair(3)), ErrInvalidQueueID)
	assert.ErrorIs(t, f.c.DeleteQueuePair(1), ErrQueueNotFound)

	bad := pair(1)
	bad.CQ.GPA = guestSize
	assert.ErrorIs(t, f.c.CreateQueuePair(bad), queue.ErrInvalidQueueConfig)
	assert.False(t, f.c.Doorbells().Bound(regs.SQTailDoorbell(1)), "failed create releases doorbells")

	require.NoError(t, f.c.CreateQueuePair(pair(1)))
	assert.ErrorIs(t, f.c.CreateQueuePair(pair(1)), ErrQueueExists)
	assert.Equal(t, []uint16{1}, f.c.Queues())

	require.NoError(t, f.c.DeleteQueuePair(1))
	assert.Empty(t, f.c.Queues())
	assert.False(t, f.c.Doorbells().Bound(regs.SQTailDoorbell(1)))
	assert.False(t, f.c.Doorbells().Bound(regs.CQHeadDoorbell(1)))

	// the pair can be recreated once deleted
	require.NoError(t, f.c.CreateQueuePair(pair(1)))
}

func TestGuestFaultSetsFatalStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.CreateQueuePair(pair(1)))

	require.NoError(t, f.c.WriteBAR0(sqTail(1), le32(ringDepth+1)))
	require.Eventually(t, func() bool {
		return f.c.Fatal() != nil
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, f.c.Fatal(), queue.ErrInvalidDoorbellValue)
	assert.True(t, f.c.Info().Fatal)

	data := make([]byte, 4)
	require.NoError(t, f.c.ReadBAR0(regs.REG_CSTS, data))
	assert.Equal(t, uint32(regs.CSTS_RDY|regs.CSTS_CFS), binary.LittleEndian.Uint32(data))

	assert.ErrorIs(t, f.c.CreateQueuePair(pair(2)), ErrControllerFatal)
	assert.Contains(t, f.log.String(), "queue fault")
	assert.Contains(t, f.log.String(), queue.ErrInvalidDoorbellValue.Error())

	require.NoError(t, f.c.Reset())
	assert.Nil(t, f.c.Fatal())
	assert.Empty(t, f.c.Queues())
	assert.Equal(t, uint32(0), f.c.Doorbells().Read(regs.SQTailDoorbell(1)))

	require.NoError(t, f.c.CreateQueuePair(pair(1)))
}

func TestDeleteQueuePairWhileParked(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.CreateQueuePair(pair(1)))

	// wait for the runner to park on its SQ tail
	require.Eventually(t, func() bool {
		return f.c.Doorbells().Bound(regs.SQTailDoorbell(1))
	}, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- f.c.DeleteQueuePair(1) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete blocked on a parked queue")
	}

	// a write after teardown must not reach the old runner
	require.NoError(t, f.c.WriteBAR0(sqTail(1), le32(1)))
	assert.Equal(t, int32(0), f.handled.Load())
}

func TestCloseStopsAllQueues(t *testing.T) {
	f := newFixture(t)
	for qid := uint16(0); qid <= 2; qid++ {
		require.NoError(t, f.c.CreateQueuePair(pair(qid)))
	}
	assert.Equal(t, []uint16{0, 1, 2}, f.c.Queues())

	require.NoError(t, f.c.Close())
	assert.Empty(t, f.c.Queues())
	assert.NoError(t, f.c.Close(), "close is idempotent")

	assert.ErrorIs(t, f.c.CreateQueuePair(pair(1)), ErrClosed)
	assert.ErrorIs(t, f.c.DeleteQueuePair(1), ErrClosed)
	assert.ErrorIs(t, f.c.Reset(), ErrClosed)
	assert.NoError(t, f.c.WriteBAR0(sqTail(1), le32(1)), "late MMIO writes are dropped")

	data := make([]byte, 4)
	require.NoError(t, f.c.ReadBAR0(regs.REG_CSTS, data))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(data))
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.CreateQueuePair(pair(2)))

	info := f.c.Info()
	assert.Equal(t, 0, info.ControllerID)
	assert.Equal(t, 2, info.MaxIOQueues)
	assert.Equal(t, 6, info.Doorbells)
	assert.Equal(t, []uint16{2}, info.Queues)
	assert.False(t, info.Fatal)
}

func TestHighestQueueReachableThroughBAR0(t *testing.T) {
	mem := guestmem.NewMemory(guestSize)
	handled := make(chan uint16, 1)
	params := DefaultControllerParams(mem, handlerFunc(func(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion {
		handled <- qid
		return regs.Completion{}
	}))
	params.MaxIOQueues = regs.MAX_IO_QUEUES
	params.Logger = logging.NewLogger(&logging.Config{Output: &syncBuffer{}, Sync: true, NoColor: true})

	c, err := NewController(context.Background(), params)
	require.NoError(t, err)
	defer c.Close()

	qid := uint16(regs.MAX_IO_QUEUES)
	p := pair(qid)
	require.NoError(t, c.CreateQueuePair(p))

	buf := make([]byte, regs.SQE_SIZE)
	regs.EncodeCommand(buf, &regs.Command{CID: 1})
	_, err = mem.WriteAt(buf, sqBase)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xfff8), sqTail(qid))
	require.NoError(t, c.WriteBAR0(sqTail(qid), le32(1)))

	select {
	case got := <-handled:
		assert.Equal(t, qid, got)
	case <-time.After(2 * time.Second):
		t.Fatal("command on the highest queue was not handled")
	}
}

func TestDeleteQueuePairStopTimeout(t *testing.T) {
	mem := guestmem.NewMemory(guestSize)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	releaseHandler := func() { once.Do(func() { close(release) }) }

	// the handler ignores ctx, so the queue task cannot exit until released
	params := DefaultControllerParams(mem, handlerFunc(func(ctx context.Context, qid uint16, cmd *regs.Command) regs.Completion {
		started <- struct{}{}
		<-release
		return regs.Completion{}
	}))
	params.MaxIOQueues = 2
	params.QueueStopTimeout = 20 * time.Millisecond
	params.Logger = logging.NewLogger(&logging.Config{Output: &syncBuffer{}, Sync: true, NoColor: true})

	c, err := NewController(context.Background(), params)
	require.NoError(t, err)
	defer c.Close()
	defer releaseHandler()

	require.NoError(t, c.CreateQueuePair(pair(1)))
	buf := make([]byte, regs.SQE_SIZE)
	regs.EncodeCommand(buf, &regs.Command{CID: 1})
	_, err = mem.WriteAt(buf, sqBase)
	require.NoError(t, err)
	require.NoError(t, c.WriteBAR0(sqTail(1), le32(1)))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not dispatched")
	}

	require.ErrorIs(t, c.DeleteQueuePair(1), ErrStopTimeout)

	// the stuck pair still owns its id and doorbells
	assert.Equal(t, []uint16{1}, c.Queues())
	assert.ErrorIs(t, c.CreateQueuePair(pair(1)), ErrQueueExists)
	assert.True(t, c.Doorbells().Bound(regs.SQTailDoorbell(1)))
	assert.True(t, c.Doorbells().Bound(regs.CQHeadDoorbell(1)))

	releaseHandler()
	require.Eventually(t, func() bool {
		return c.DeleteQueuePair(1) == nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, c.Queues())
	assert.False(t, c.Doorbells().Bound(regs.SQTailDoorbell(1)))
	require.NoError(t, c.CreateQueuePair(pair(1)))
}
