package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a buffer is shorter than the entry
var ErrInsufficientData = errors.New("insufficient data for unmarshal")

// Marshal converts an entry to its little-endian wire form
func Marshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case *Command:
		buf := make([]byte, SQE_SIZE)
		EncodeCommand(buf, val)
		return buf, nil
	case *Completion:
		buf := make([]byte, CQE_SIZE)
		EncodeCompletion(buf, val, false)
		return buf, nil
	default:
		return nil, fmt.Errorf("regs: cannot marshal %T", v)
	}
}

// Unmarshal decodes an entry from its little-endian wire form. The phase
// bit of a completion is discarded; use CompletionPhase to read it.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *Command:
		return DecodeCommand(data, val)
	case *Completion:
		return DecodeCompletion(data, val)
	default:
		return fmt.Errorf("regs: cannot unmarshal %T", v)
	}
}

// EncodeCommand writes cmd into buf, which must hold SQE_SIZE bytes
func EncodeCommand(buf []byte, cmd *Command) {
	_ = buf[SQE_SIZE-1]

	buf[0] = cmd.Opcode
	buf[1] = cmd.Flags
	binary.LittleEndian.PutUint16(buf[2:4], cmd.CID)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], cmd.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], cmd.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], cmd.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], cmd.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], cmd.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], cmd.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], cmd.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], cmd.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], cmd.CDW15)
}

// DecodeCommand reads a submission queue entry from data
func DecodeCommand(data []byte, cmd *Command) error {
	if len(data) < SQE_SIZE {
		return ErrInsufficientData
	}

	cmd.Opcode = data[0]
	cmd.Flags = data[1]
	cmd.CID = binary.LittleEndian.Uint16(data[2:4])
	cmd.NSID = binary.LittleEndian.Uint32(data[4:8])
	cmd.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	cmd.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	cmd.MPTR = binary.LittleEndian.Uint64(data[16:24])
	cmd.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	cmd.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	cmd.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	cmd.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	cmd.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	cmd.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	cmd.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	cmd.CDW15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// EncodeCompletion writes c into buf (CQE_SIZE bytes) with the given phase
func EncodeCompletion(buf []byte, c *Completion, phase bool) {
	_ = buf[CQE_SIZE-1]

	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], StatusWord(c.Status, phase))
}

// DecodeCompletion reads a completion queue entry from data
func DecodeCompletion(data []byte, c *Completion) error {
	if len(data) < CQE_SIZE {
		return ErrInsufficientData
	}

	c.DW0 = binary.LittleEndian.Uint32(data[0:4])
	c.DW1 = binary.LittleEndian.Uint32(data[4:8])
	c.SQHead = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = Status(binary.LittleEndian.Uint16(data[14:16]) >> 1)

	return nil
}

// StatusWord packs a status and phase bit into the last CQE half-word
func StatusWord(s Status, phase bool) uint16 {
	w := uint16(s) << 1
	if phase {
		w |= 1
	}
	return w
}

// CompletionPhase returns the phase bit of an encoded completion entry
func CompletionPhase(data []byte) bool {
	return data[14]&1 != 0
}
