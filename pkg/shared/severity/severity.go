// Package severity defines the severity scale shared by pattern matches,
// findings, and risk tiers.
package severity

import "strings"

// Level represents a severity level.
type Level string

const (
	Critical Level = "CRITICAL"
	High     Level = "HIGH"
	Medium   Level = "MEDIUM"
	Low      Level = "LOW"
	Unknown  Level = "UNKNOWN"
)

// All returns all known levels ordered from most to least severe.
func All() []Level {
	return []Level{Critical, High, Medium, Low}
}

// Priority returns a numeric priority for ordering (higher = more severe).
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the level is one of the known levels.
func (l Level) IsValid() bool {
	switch l {
	case Critical, High, Medium, Low:
		return true
	}
	return false
}

// IsHigherThan reports whether l is strictly more severe than other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast reports whether l is at least as severe as other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// String returns the string representation.
func (l Level) String() string {
	return string(l)
}

// FromString normalizes a string into a Level, defaulting to Unknown.
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical
	case "HIGH":
		return High
	case "MEDIUM", "MODERATE":
		return Medium
	case "LOW":
		return Low
	default:
		return Unknown
	}
}

// Max returns the more severe of two levels.
func Max(a, b Level) Level {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}
