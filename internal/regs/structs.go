package regs

import (
	"fmt"
	"unsafe"
)

// Command is a submission queue entry (64 bytes, little endian in guest memory)
//
//	CDW0    opcode:8 flags:8 cid:16
//	NSID    namespace
//	CDW2-3  reserved / command specific
//	MPTR    metadata pointer
//	PRP1-2  data pointer
//	CDW10-15 command specific
type Command struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	CDW2   uint32
	CDW3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// Compile-time size check - must match the 64-byte SQE
var _ [SQE_SIZE]byte = [unsafe.Sizeof(Command{})]byte{}

// Status is the 15-bit completion status field without the phase bit:
// SC in bits 0-7, SCT in bits 8-10, DNR in bit 14.
type Status uint16

const (
	StatusDNR Status = 1 << 14 // Do Not Retry
)

// NewStatus builds a status from a status code type and status code
func NewStatus(sct, sc uint8) Status {
	return Status(uint16(sct&0x7)<<8 | uint16(sc))
}

// SC returns the status code
func (s Status) SC() uint8 {
	return uint8(s)
}

// SCT returns the status code type
func (s Status) SCT() uint8 {
	return uint8(s>>8) & 0x7
}

// Success reports whether the status is generic success
func (s Status) Success() bool {
	return s&^StatusDNR == 0
}

func (s Status) String() string {
	if s.Success() {
		return "success"
	}
	return fmt.Sprintf("sct=%#x sc=%#x", s.SCT(), s.SC())
}

// Completion is a completion queue entry (16 bytes)
//
//	DW0     command specific
//	DW1     reserved
//	SQHD    submission queue head pointer
//	SQID    submission queue identifier
//	CID     command identifier
//	STATUS  phase:1 status:15
type Completion struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status Status
}

// Compile-time size check
var _ [CQE_SIZE]byte = [unsafe.Sizeof(Completion{})]byte{}

// DoorbellCount returns the number of doorbells for a controller with
// maxIOQueues I/O queue pairs plus the admin pair
func DoorbellCount(maxIOQueues int) int {
	return 2 + 2*maxIOQueues
}

// SQTailDoorbell returns the doorbell index of submission queue qid
func SQTailDoorbell(qid uint16) int {
	return 2 * int(qid)
}

// CQHeadDoorbell returns the doorbell index of completion queue qid
func CQHeadDoorbell(qid uint16) int {
	return 2*int(qid) + 1
}

// DoorbellOffset returns the BAR0 offset of a doorbell index. It panics if
// the doorbell lies outside BAR0.
func DoorbellOffset(index int) uint16 {
	if index < 0 || index > DoorbellCount(MAX_IO_QUEUES)-1 {
		panic(fmt.Sprintf("regs: doorbell %d outside BAR0", index))
	}
	return uint16(DOORBELL_BASE + index<<DOORBELL_STRIDE_BITS)
}

// DoorbellIndex decodes a BAR0 offset in the doorbell range. ok is false
// when the offset is not aligned to the doorbell stride.
func DoorbellIndex(addr uint16) (index int, ok bool) {
	base := int(addr) - DOORBELL_BASE
	index = base >> DOORBELL_STRIDE_BITS
	return index, index<<DOORBELL_STRIDE_BITS == base
}

// IsDoorbell reports whether addr falls in the doorbell range
func IsDoorbell(addr uint16) bool {
	return addr >= DOORBELL_BASE
}
