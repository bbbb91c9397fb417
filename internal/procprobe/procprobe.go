// Package procprobe answers "is this PID still alive" using
// github.com/shirou/gopsutil/v3. Given a non-zero start time it also checks
// that the running process started then, which guards against PID reuse.
// Lane lock files record the PID and the time the lock was taken, not the
// process start time, and the lock manager probes with a zero start time,
// so for locks only PID existence is checked.
package procprobe

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Prober checks process liveness for zombie-lock detection.
type Prober interface {
	// Alive reports whether pid refers to a running process, and if
	// startedAt is non-zero, that the running process's own start time
	// matches it within a tolerance (guards against PID reuse).
	Alive(pid int32, startedAt time.Time) bool
}

type gopsutilProber struct{}

// New returns the default gopsutil-backed Prober.
func New() Prober {
	return gopsutilProber{}
}

func (gopsutilProber) Alive(pid int32, startedAt time.Time) bool {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return false
	}
	if startedAt.IsZero() {
		return true
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	createMs, err := proc.CreateTime()
	if err != nil {
		return false
	}
	actual := time.UnixMilli(createMs)
	diff := actual.Sub(startedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff < 2*time.Second
}
