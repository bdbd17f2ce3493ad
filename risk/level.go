package risk

import "strings"

// Level is the ordered crisis-severity scale. The ordering is load
// bearing: the probabilistic layer may only ever raise the level the
// deterministic layer established.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, true
	case "medium", "moderate":
		return LevelMedium, true
	case "high":
		return LevelHigh, true
	case "critical", "severe":
		return LevelCritical, true
	default:
		return LevelLow, false
	}
}

func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
