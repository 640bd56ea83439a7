// Command nvme-sim drives an emulated NVMe controller from simulated guest
// vCPUs: each one submits commands on its own queue pair through the
// doorbell registers and reaps the completions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	nvme "github.com/ehrlich-b/go-nvme"
	"github.com/ehrlich-b/go-nvme/guestmem"
	"github.com/ehrlich-b/go-nvme/internal/logging"
	"github.com/ehrlich-b/go-nvme/internal/regs"
)

// drainTimeout bounds how long a guest waits for outstanding completions
// after shutdown was requested
const drainTimeout = 2 * time.Second

// interrupter delivers completion interrupts and reports how many each
// vector received
type interrupter interface {
	nvme.Interrupter
	Counts() ([]uint64, error)
	Close() error
}

// countingInterrupter only counts interrupts
type countingInterrupter struct {
	counts []atomic.Uint64
}

func newCountingInterrupter(vectors int) *countingInterrupter {
	return &countingInterrupter{counts: make([]atomic.Uint64, vectors)}
}

func (c *countingInterrupter) Signal(vector uint16) error {
	if int(vector) >= len(c.counts) {
		return fmt.Errorf("interrupt vector %d out of range", vector)
	}
	c.counts[vector].Add(1)
	return nil
}

func (c *countingInterrupter) Counts() ([]uint64, error) {
	out := make([]uint64, len(c.counts))
	for i := range c.counts {
		out[i] = c.counts[i].Load()
	}
	return out, nil
}

func (c *countingInterrupter) Close() error { return nil }

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvme-sim: %v\n", err)
		os.Exit(2)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(cfg simConfig, logger *logging.Logger) error {
	size, err := parseSize(cfg.MemSize)
	if err != nil {
		return err
	}
	mem := guestmem.NewMemory(size)
	defer mem.Close()

	vectors := cfg.Queues + 1
	var intr interrupter
	if cfg.IRQFD {
		intr, err = newIRQFD(vectors)
		if err != nil {
			return fmt.Errorf("irqfd: %w", err)
		}
	} else {
		intr = newCountingInterrupter(vectors)
	}
	defer intr.Close()

	params := nvme.DefaultParams(mem)
	params.Handler = latencyHandler(cfg.Latency)
	params.Interrupter = intr
	params.MaxIOQueues = cfg.Queues

	c, err := nvme.New(context.Background(), params, &nvme.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("starting simulation",
		"mem", formatSize(size),
		"queues", cfg.Queues,
		"depth", cfg.Depth,
		"commands_per_queue", cfg.Commands,
		"irqfd", cfg.IRQFD)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(ctx, logger)

	pairs := make([]nvme.QueuePair, 0, cfg.Queues)
	for qid := uint16(1); int(qid) <= cfg.Queues; qid++ {
		pair := cfg.queuePair(qid)
		if err := c.CreateIOQueuePair(pair); err != nil {
			return err
		}
		pairs = append(pairs, pair)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		g.Go(func() error {
			return runGuest(gctx, c, pair, cfg.Commands, logger)
		})
	}

	if cfg.StatsInterval > 0 {
		go logStats(gctx, c, cfg.StatsInterval, logger)
	}

	err = g.Wait()
	elapsed := time.Since(start)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	printSummary(c, intr, elapsed, logger)
	logger.Debug("guest memory", "stats", mem.Stats())
	return err
}

// runGuest plays one vCPU: it keeps its submission queue as full as it can
// and reaps completions until count commands completed or ctx is done
func runGuest(ctx context.Context, c *nvme.Controller, pair nvme.QueuePair, count uint64, logger *logging.Logger) error {
	g := nvme.NewGuestQueue(c, pair)
	out := make([]nvme.Completion, pair.CQSize)
	var submitted, completed, failed uint64
	var drainDeadline time.Time

	for count == 0 || completed < count {
		if ctx.Err() != nil {
			if submitted == completed {
				break
			}
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(drainTimeout)
			} else if time.Now().After(drainDeadline) {
				return fmt.Errorf("queue %d: %d commands still outstanding", pair.ID, submitted-completed)
			}
		}

		for ctx.Err() == nil && (count == 0 || submitted < count) {
			opcode := uint8(regs.NVM_OP_READ)
			if submitted%2 == 1 {
				opcode = regs.NVM_OP_WRITE
			}
			err := g.Submit(&nvme.Command{
				Opcode: opcode,
				CID:    uint16(submitted),
				NSID:   1,
				CDW10:  uint32(submitted),
			})
			if errors.Is(err, nvme.ErrSubmissionQueueFull) {
				break
			}
			if err != nil {
				return fmt.Errorf("queue %d: submit: %w", pair.ID, err)
			}
			submitted++
		}

		n, err := g.Reap(out)
		if err != nil {
			return fmt.Errorf("queue %d: reap: %w", pair.ID, err)
		}
		for _, cqe := range out[:n] {
			if !cqe.Status.Success() {
				failed++
			}
		}
		completed += uint64(n)

		if n == 0 {
			if err := c.Fatal(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}

	logger.Debug("guest finished", "queue", pair.ID, "completed", completed, "failed", failed)
	return ctx.Err()
}

// latencyHandler completes every command successfully after d
func latencyHandler(d time.Duration) nvme.CommandHandler {
	return nvme.HandlerFunc(func(ctx context.Context, qid uint16, cmd *nvme.Command) nvme.Completion {
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nvme.Completion{Status: nvme.NewStatus(regs.SCT_GENERIC, regs.SC_ABORTED_SQ_DELETION)}
			}
		}
		return nvme.Completion{DW0: cmd.CDW10}
	})
}

func logStats(ctx context.Context, c *nvme.Controller, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.MetricsSnapshot()
			logger.Info("metrics",
				"commands", snap.Commands,
				"iops", fmt.Sprintf("%.0f", snap.CommandsPerSecond),
				"doorbell_writes", snap.DoorbellWrites,
				"wake_rate", fmt.Sprintf("%.1f%%", snap.WakeRate),
				"park_p99_ns", snap.ParkP99Ns)
		}
	}
}

func printSummary(c *nvme.Controller, intr interrupter, elapsed time.Duration, logger *logging.Logger) {
	snap := c.MetricsSnapshot()

	fmt.Printf("Elapsed:          %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Commands:         %d (%d failed)\n", snap.Commands, snap.CommandErrors)
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Printf("Throughput:       %.0f commands/s\n", float64(snap.Commands)/secs)
	}
	fmt.Printf("Doorbell writes:  %d (%.1f%% woke a queue, %d unknown)\n",
		snap.DoorbellWrites, snap.WakeRate, snap.UnknownDoorbellWrites)
	fmt.Printf("Polls:            %d ready, %d ready on recheck, %d pending (%.1f%% fast path)\n",
		snap.PollReady, snap.PollRecheckReady, snap.PollPending, snap.FastPathRate)
	fmt.Printf("Park time:        avg %s, p50 %s, p99 %s\n",
		time.Duration(snap.AvgParkNs), time.Duration(snap.ParkP50Ns), time.Duration(snap.ParkP99Ns))
	fmt.Printf("Command latency:  avg %s, p99 %s\n",
		time.Duration(snap.AvgCommandLatencyNs), time.Duration(snap.CommandP99Ns))
	fmt.Printf("CQ full stalls:   %d\n", snap.CompletionQueueFull)

	counts, err := intr.Counts()
	if err != nil {
		logger.Warn("failed to read interrupt counts", "error", err)
		return
	}
	var total uint64
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Interrupts:       %d\n", total)
}

// dumpStacksOnSignal writes all goroutine stacks to a file on SIGUSR1
func dumpStacksOnSignal(ctx context.Context, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}

		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		filename := fmt.Sprintf("nvme-sim-stacks-%d.txt", time.Now().Unix())
		f, err := os.Create(filename)
		if err != nil {
			logger.Error("failed to write stack dump", "error", err)
			continue
		}
		fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
		fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
		f.Write(buf[:n])
		fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
		pprof.Lookup("goroutine").WriteTo(f, 2)
		f.Close()
		logger.Info("stack trace written to file", "file", filename)
	}
}
