package alert

import "fmt"

type Direction string

const (
	// Rising values breach upwards (quota %, hours stale).
	Rising Direction = "rising"
	// Falling values breach downwards (days until expiry).
	Falling Direction = "falling"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityNotice   Severity = "notice"
)

// Thresholds is an ascending list of alert levels.
type Thresholds struct {
	Levels    []float64
	Direction Direction
}

func (t Thresholds) Validate() error {
	if len(t.Levels) == 0 {
		return fmt.Errorf("no threshold levels")
	}

	for i := 1; i < len(t.Levels); i++ {
		if t.Levels[i] <= t.Levels[i-1] {
			return fmt.Errorf(
				"threshold levels must be strictly ascending: %v",
				t.Levels,
			)
		}
	}

	switch t.Direction {
	case Rising, Falling:
		return nil
	}

	return fmt.Errorf("invalid threshold direction: %s", t.Direction)
}

// Tightest returns the single level v satisfies that is closest to breach,
// and its index. For Rising that is the largest level <= v, for Falling the
// smallest level >= v.
func (t Thresholds) Tightest(v float64) (float64, int, bool) {
	if t.Direction == Falling {
		for i, level := range t.Levels {
			if v <= level {
				return level, i, true
			}
		}
		return 0, -1, false
	}

	for i := len(t.Levels) - 1; i >= 0; i-- {
		if v >= t.Levels[i] {
			return t.Levels[i], i, true
		}
	}
	return 0, -1, false
}

// Severity grades a level by its distance from the tightest end of the list.
func (t Thresholds) Severity(index int) Severity {
	distance := index
	if t.Direction != Falling {
		distance = len(t.Levels) - 1 - index
	}

	switch distance {
	case 0:
		return SeverityCritical
	case 1:
		return SeverityWarning
	}
	return SeverityNotice
}
