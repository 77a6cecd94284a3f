package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// childEnvMarker tells a re-exec'd process it is a device-slot child and
// must run the poll loop directly instead of spawning again.
const childEnvMarker = "TIANSHU_WORKER_CHILD"

// IsChildProcess reports whether this process was spawned by a Supervisor.
func IsChildProcess() bool {
	return os.Getenv(childEnvMarker) == "1"
}

// Slot is one spawned worker process bound to a compute device.
type Slot struct {
	// Device is the logical device the child addresses ("cpu", "cuda:0").
	Device string
	// VisibleGPU is the physical GPU index exported through
	// CUDA_VISIBLE_DEVICES; empty for CPU slots.
	VisibleGPU string
}

// Slots expands the accelerator policy into one slot per worker process.
// CUDA slots pin one physical GPU each and address it as device 0, so the
// isolation happens in the environment before any compute library loads.
func Slots(accelerator string, gpus []int, workersPerDevice int) []Slot {
	if workersPerDevice <= 0 {
		workersPerDevice = 1
	}
	useCUDA := accelerator == "cuda" || (accelerator == "auto" && len(gpus) > 0)
	if !useCUDA || len(gpus) == 0 {
		slots := make([]Slot, workersPerDevice)
		for i := range slots {
			slots[i] = Slot{Device: "cpu"}
		}
		return slots
	}
	var slots []Slot
	for _, gpu := range gpus {
		for i := 0; i < workersPerDevice; i++ {
			slots = append(slots, Slot{
				Device:     "cuda:0",
				VisibleGPU: fmt.Sprintf("%d", gpu),
			})
		}
	}
	return slots
}

// Supervisor re-execs the current binary once per slot and waits for all
// children. Child stdout/stderr pass through.
type Supervisor struct {
	slots []Slot
	args  []string
}

// NewSupervisor builds a supervisor; args is the child command line after
// the executable path.
func NewSupervisor(slots []Slot, args []string) *Supervisor {
	return &Supervisor{slots: slots, args: args}
}

// Run spawns every slot and blocks until all children exit. The first
// child failure cancels the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("worker: resolve executable: %w", err)
	}
	log := logger.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range s.slots {
		cmd := exec.CommandContext(gctx, exe, s.args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		env := append(os.Environ(), childEnvMarker+"=1")
		if slot.VisibleGPU != "" {
			env = append(env, "CUDA_VISIBLE_DEVICES="+slot.VisibleGPU)
		}
		cmd.Env = env
		log.Info("spawning worker slot",
			"slot", i,
			"device", slot.Device,
			"visible_gpu", slot.VisibleGPU,
			"args", strings.Join(s.args, " "))
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("worker: spawn slot %d: %w", i, err)
		}
		g.Go(cmd.Wait)
	}
	return g.Wait()
}
