package nvme

import (
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/interfaces"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// Command is a 64-byte submission queue entry
type Command = regs.Command

// Completion is a 16-byte completion queue entry without the phase bit
type Completion = regs.Completion

// Status is the completion status field (SCT, SC, DNR)
type Status = regs.Status

// GuestMemory is the guest physical address space holding the rings
type GuestMemory = interfaces.GuestMemory

// CommandHandler executes commands fetched from a submission queue
type CommandHandler = interfaces.CommandHandler

// Interrupter delivers completion interrupts to the guest
type Interrupter = interfaces.Interrupter

// SQFaultInjector sees every command fetched from a submission queue. A
// non-nil return replaces the command in guest memory and is executed
// instead.
type SQFaultInjector = queue.FaultInjector

// Waker is woken by the next write to a doorbell it is registered on
type Waker = doorbell.Waker

// PollOutcome classifies a doorbell poll for observers
type PollOutcome = doorbell.PollOutcome

// Logger is the structured logger used by the controller
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

const (
	LogLevelDebug = logging.LevelDebug
	LogLevelInfo  = logging.LevelInfo
	LogLevelWarn  = logging.LevelWarn
	LogLevelError = logging.LevelError
)

// NewLogger creates a logger; a nil config logs text at info level to stderr
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}

// NewStatus builds a completion status from a status code type and code
func NewStatus(sct, sc uint8) Status {
	return regs.NewStatus(sct, sc)
}

// SQTailDoorbell returns the BAR0 offset of queue qid's submission queue
// tail doorbell. It panics if qid exceeds MaxIOQueues.
func SQTailDoorbell(qid uint16) uint16 {
	return regs.DoorbellOffset(regs.SQTailDoorbell(qid))
}

// CQHeadDoorbell returns the BAR0 offset of queue qid's completion queue
// head doorbell
func CQHeadDoorbell(qid uint16) uint16 {
	return regs.DoorbellOffset(regs.CQHeadDoorbell(qid))
}
