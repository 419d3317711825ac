// Package g holds process-wide globals shared by every component of the
// replicator: the logger type alias, build metadata, and the low-memory
// monitor that returns freed memory to the OS under host memory pressure.
package g

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/mem"
)

var (
	Version   string
	GitBranch string
	GitCommit string
)

// LoggerType is the logger handle threaded through every component.
type LoggerType hclog.Logger

var Logger LoggerType = hclog.Default()

const (
	// ENV_FORCE_CHAOS, when set to a non-"0" value, forces the task-buffering
	// applier's chaos monkey on even outside of tests.
	ENV_FORCE_CHAOS = "REPLICATOR_FORCE_CHAOS"
	// ENV_DRY_RUN disables sink writes; flush jobs mark WRITE_SUCCEEDED without
	// touching the sink, per the flush job algorithm's dry-run branch.
	ENV_DRY_RUN = "REPLICATOR_DRY_RUN"
)

// EnvIsTrue returns true if the named environment variable is set and is
// not the literal string "0".
func EnvIsTrue(env string) bool {
	val, exist := os.LookupEnv(env)
	if !exist {
		return false
	}
	return val != "0"
}

// Fatalf is the one unified fatal-assert facility named in the design
// notes: invariant violations and unrecoverable connection/producer
// failures all funnel through here instead of scattered os.Exit calls.
func Fatalf(logger LoggerType, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if logger != nil {
		logger.Error("fatal", "msg", msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(-1)
}

var (
	memoryMonitorCount int32
	lowMemory          bool
)

// IsLowMemory reports whether available memory has dropped below 20% (and
// below 1GiB absolute), matching the teacher's own threshold.
func IsLowMemory() bool {
	memory, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	low := (memory.Available*10 < memory.Total*2) && memory.Available < 1*1024*1024*1024
	if low != lowMemory {
		if low {
			Logger.Warn("memory is less than 20% and 1GB; freeing memory to the OS each second",
				"available", memory.Available, "total", memory.Total)
		} else {
			Logger.Info("memory recovered above 20% or 1GB",
				"available", memory.Available, "total", memory.Total)
		}
	}
	lowMemory = low
	return low
}

// MemoryMonitor polls IsLowMemory once a second and forces a GC when
// memory is tight, the way the teacher's g.MemoryMonitor does.
func MemoryMonitor(logger LoggerType) {
	if !atomic.CompareAndSwapInt32(&memoryMonitorCount, 0, 1) {
		return
	}
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for range t.C {
		if IsLowMemory() {
			debug.FreeOSMemory()
		}
	}
}
