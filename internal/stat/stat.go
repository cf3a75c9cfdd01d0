// Package stat holds the backend's i64 counter registers. Registers are
// updated with atomic adds from many goroutines (foreground requests,
// the background loop, datasort jobs) and snapshotted as a map for
// external inspection via stat_get.
package stat

import "sync/atomic"

// Register names the enumerated stat counters a Backend exposes.
type Register int

const (
	RecordsCorrupted Register = iota
	CorruptedSize
	DatasortCompletionStatus
	DatasortViewUsed
	DatasortSortedViewUsed
	DatasortSinglePassViewUsed
	RecordsTotal
	BasesTotal

	registerCount
)

func (r Register) String() string {
	switch r {
	case RecordsCorrupted:
		return "RecordsCorrupted"
	case CorruptedSize:
		return "CorruptedSize"
	case DatasortCompletionStatus:
		return "DatasortCompletionStatus"
	case DatasortViewUsed:
		return "DatasortViewUsed"
	case DatasortSortedViewUsed:
		return "DatasortSortedViewUsed"
	case DatasortSinglePassViewUsed:
		return "DatasortSinglePassViewUsed"
	case RecordsTotal:
		return "RecordsTotal"
	case BasesTotal:
		return "BasesTotal"
	default:
		return "Unknown"
	}
}

// Registers is a fixed set of atomically-updated i64 counters.
type Registers struct {
	values [registerCount]atomic.Int64
}

// New returns a fresh, zeroed register set.
func New() *Registers {
	return &Registers{}
}

// Add adds delta to the named register and returns the new value.
func (r *Registers) Add(reg Register, delta int64) int64 {
	return r.values[reg].Add(delta)
}

// Set stores v into the named register.
func (r *Registers) Set(reg Register, v int64) {
	r.values[reg].Store(v)
}

// Get returns the current value of the named register.
func (r *Registers) Get(reg Register) int64 {
	return r.values[reg].Load()
}

// Snapshot copies every register into a map keyed by name. Each
// register is loaded on its own, so registers updated concurrently
// are not captured at one single instant.
func (r *Registers) Snapshot() map[string]int64 {
	out := make(map[string]int64, registerCount)
	for reg := Register(0); reg < registerCount; reg++ {
		out[reg.String()] = r.values[reg].Load()
	}
	return out
}
