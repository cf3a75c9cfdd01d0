//go:build !linux

package background

import "log/slog"

// lowerIOPriority is a no-op on platforms without ioprio_set.
func lowerIOPriority(*slog.Logger) {}

// restoreIOPriority is a no-op on platforms without ioprio_set.
func restoreIOPriority(*slog.Logger) {}
