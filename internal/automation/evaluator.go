package automation

import (
	"time"
)

// Matches evaluates the condition against an entity snapshot at now. A nil
// condition matches everything. A referenced field that is absent or null
// never matches, except under eq/neq null comparisons.
func (c *Condition) Matches(fields map[string]interface{}, now time.Time) bool {
	if c == nil {
		return true
	}
	switch c.Shape() {
	case ShapeCompound:
		for i := range c.All {
			if !c.All[i].Matches(fields, now) {
				return false
			}
		}
		return true
	case ShapeTemporal:
		return c.matchTemporal(fields, now)
	case ShapeComparison:
		actual, ok := fields[c.Field]
		if !ok {
			return false
		}
		return compare(actual, c.Op, c.Value)
	}
	return false
}

func (c *Condition) matchTemporal(fields map[string]interface{}, now time.Time) bool {
	t, ok := asTime(fields[c.Field])
	if !ok {
		return false
	}
	var threshold time.Duration
	if c.Threshold != nil {
		threshold = c.Threshold.Std()
	}
	switch c.Direction {
	case DirOverdueBy:
		return now.Sub(t) > threshold
	case DirUpcomingWithin:
		return t.After(now) && t.Sub(now) <= threshold
	}
	return false
}

func compare(actual interface{}, op Operator, expected interface{}) bool {
	actual, expected = deref(actual), deref(expected)
	if actual == nil || expected == nil {
		switch op {
		case OpEq:
			return actual == nil && expected == nil
		case OpNeq:
			return (actual == nil) != (expected == nil)
		}
		return false
	}

	if op == OpEq {
		return ValuesEqual(actual, expected)
	}
	if op == OpNeq {
		return !ValuesEqual(actual, expected)
	}

	cmp, ok := order(actual, expected)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGte:
		return cmp >= 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// order returns -1, 0 or 1. Times compare chronologically, numbers
// numerically, strings lexically.
func order(a, b interface{}) (int, bool) {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			}
			return 0, true
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case sa < sb:
		return -1, true
	case sa > sb:
		return 1, true
	}
	return 0, true
}
