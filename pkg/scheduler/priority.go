package scheduler

// Priority orders pending work. It is not a latency guarantee.
type Priority int

const (
	PriorityVeryLow Priority = iota - 2
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "very-low"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very-high"
	default:
		if p < PriorityVeryLow {
			return "very-low"
		}
		return "very-high"
	}
}

// ParsePriority maps the String representation back to a Priority and
// falls back to PriorityNormal for unknown values
func ParsePriority(s string) Priority {
	for p := PriorityVeryLow; p <= PriorityVeryHigh; p++ {
		if p.String() == s {
			return p
		}
	}
	return PriorityNormal
}
