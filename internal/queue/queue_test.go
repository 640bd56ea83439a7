package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvme/guestmem"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

func newQueueDoorbells(t *testing.T) *doorbell.Memory {
	t.Helper()
	db, err := doorbell.New(doorbell.Config{Count: 2})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSubmissionQueueNext(t *testing.T) {
	db := newQueueDoorbells(t)
	mem := guestmem.NewMemory(4096)
	tail, err := db.Bind(0)
	require.NoError(t, err)

	sq := NewSubmissionQueue(tail, mem, 0, 4)
	defer sq.Close()
	w := doorbell.NewChanWaker()

	var cmd regs.Command
	ok, err := sq.Next(w, &cmd)
	require.NoError(t, err)
	assert.False(t, ok, "empty ring")

	buf := make([]byte, regs.SQE_SIZE)
	for i := 0; i < 3; i++ {
		regs.EncodeCommand(buf, &regs.Command{CID: uint16(100 + i)})
		mem.WriteAt(buf, int64(i*regs.SQE_SIZE))
	}
	db.Write(0, 3)

	select {
	case <-w.C():
	default:
		t.Fatal("tail write did not wake the queue")
	}

	for i := 0; i < 3; i++ {
		ok, err = sq.Next(w, &cmd)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint16(100+i), cmd.CID)
		if i == 0 {
			assert.Equal(t, uint32(2), sq.Pending())
		}
	}
	assert.Equal(t, uint32(3), sq.Head())

	ok, err = sq.Next(w, &cmd)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, tail.Awaiting())
}

func TestSubmissionQueueTailOutOfRange(t *testing.T) {
	db := newQueueDoorbells(t)
	tail, err := db.Bind(0)
	require.NoError(t, err)

	sq := NewSubmissionQueue(tail, guestmem.NewMemory(4096), 0, 4)
	defer sq.Close()

	db.Write(0, 4)
	var cmd regs.Command
	_, err = sq.Next(doorbell.NewChanWaker(), &cmd)
	assert.ErrorIs(t, err, ErrInvalidDoorbellValue)
}

func TestSubmissionQueueGuestMemoryError(t *testing.T) {
	db := newQueueDoorbells(t)
	tail, err := db.Bind(0)
	require.NoError(t, err)

	mem := guestmem.NewMemory(4096)
	sq := NewSubmissionQueue(tail, mem, 0, 4)
	defer sq.Close()

	mem.Close()
	db.Write(0, 1)
	var cmd regs.Command
	_, err = sq.Next(doorbell.NewChanWaker(), &cmd)
	assert.ErrorIs(t, err, guestmem.ErrClosed)
}

func TestCompletionQueueFullAndPhase(t *testing.T) {
	db := newQueueDoorbells(t)
	mem := guestmem.NewMemory(4096)
	head, err := db.Bind(1)
	require.NoError(t, err)

	intr := &countingInterrupter{}
	cq := NewCompletionQueue(head, mem, intr, 0x100, 3, 7)
	defer cq.Close()
	w := doorbell.NewChanWaker()

	assert.Equal(t, uint32(2), cq.Space())

	for cid := uint16(0); cid < 2; cid++ {
		posted, err := cq.Write(w, &regs.Completion{CID: cid})
		require.NoError(t, err)
		require.True(t, posted)
	}
	assert.Equal(t, uint32(0), cq.Space())

	posted, err := cq.Write(w, &regs.Completion{CID: 2})
	require.NoError(t, err)
	assert.False(t, posted, "ring full until the head moves")
	assert.Equal(t, int32(2), intr.signals.Load())

	db.Write(1, 1)
	<-w.C()

	posted, err = cq.Write(w, &regs.Completion{CID: 2})
	require.NoError(t, err)
	require.True(t, posted)
	assert.Equal(t, uint32(0), cq.Tail())
	assert.False(t, cq.Phase(), "phase flips on wrap")

	entry := make([]byte, regs.CQE_SIZE)
	mem.ReadAt(entry, 0x100+2*regs.CQE_SIZE)
	assert.True(t, regs.CompletionPhase(entry))
	var c regs.Completion
	require.NoError(t, regs.DecodeCompletion(entry, &c))
	assert.Equal(t, uint16(2), c.CID)
}
