//go:build linux

package background

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// ioprioClassShift/ioprioClassIdle mirror IOPRIO_CLASS_SHIFT and the
// idle scheduling class (IOPRIO_CLASS_IDLE, class 3) from the Linux
// ioprio_set(2) ABI.
const (
	ioprioClassShift = 13
	ioprioClassIdle  = 3
)

// lowerIOPriority sets the process' I/O scheduling class to idle for
// the duration of a background inspection/defrag job, so it doesn't
// starve foreground reads/writes of disk bandwidth. Go's syscall
// package has no ioprio_set wrapper; x/sys/unix does, via the raw
// syscall number.
func lowerIOPriority(logger *slog.Logger) {
	prio := ioprioClassIdle << ioprioClassShift
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, 1 /* IOPRIO_WHO_PROCESS */, 0, uintptr(prio)); errno != 0 {
		logger.Warn("ioprio_set failed", "errno", errno)
	}
}

// restoreIOPriority resets the process back to the default best-effort
// class at its default priority level (4), so a long-lived worker
// doesn't stay idle-classed between jobs.
func restoreIOPriority(logger *slog.Logger) {
	const ioprioClassBE = 2
	prio := ioprioClassBE<<ioprioClassShift | 4
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, 1, 0, uintptr(prio)); errno != 0 {
		logger.Warn("ioprio_set restore failed", "errno", errno)
	}
}
