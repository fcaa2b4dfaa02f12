package model

// CompactionPriority orders compaction requests. Priorities are small
// consecutive integers; a numerically smaller value is more urgent.
type CompactionPriority int

const (
	// PriorityHighBlocking is used only when an operation is blocked until
	// a compaction or split completes (e.g. a memtable cannot flush because
	// the region has too many store files).
	PriorityHighBlocking CompactionPriority = 1
	// PriorityNormal is the default for routine compaction requests.
	PriorityNormal CompactionPriority = 2
	// PriorityLow is reserved; no caller currently issues it.
	PriorityLow CompactionPriority = 3
)

// Compare returns a negative value when p is more urgent than other, zero
// when equal, and a positive value when less urgent. The ordering is total.
func (p CompactionPriority) Compare(other CompactionPriority) int {
	return int(p) - int(other)
}

// Valid reports whether p is one of the defined priorities.
func (p CompactionPriority) Valid() bool {
	return p >= PriorityHighBlocking && p <= PriorityLow
}

func (p CompactionPriority) String() string {
	switch p {
	case PriorityHighBlocking:
		return "high_blocking"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseCompactionPriority maps an operator-supplied name to a priority.
// Unknown names fall back to PriorityNormal.
func ParseCompactionPriority(s string) CompactionPriority {
	switch s {
	case "high_blocking", "high":
		return PriorityHighBlocking
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}
