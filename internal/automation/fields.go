package automation

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// entityFields lists the snake_case fields conditions may reference per
// entity kind. Temporal fields are marked true.
var entityFields = map[EntityKind]map[string]bool{
	EntityTask: {
		"id": false, "title": false, "description": false, "board_id": false,
		"parent_id": false, "client_id": false, "assignee_id": false,
		"status": false, "priority": false,
		"due_at": true, "completed_at": true, "created_at": true, "updated_at": true,
	},
	EntityBooking: {
		"id": false, "title": false, "client_id": false, "staff_id": false,
		"status": false, "location": false,
		"starts_at": true, "ends_at": true, "created_at": true, "updated_at": true,
	},
	EntityInvoice: {
		"id": false, "number": false, "client_id": false, "amount": false,
		"currency": false, "status": false,
		"issued_at": true, "due_at": true, "paid_at": true, "created_at": true, "updated_at": true,
	},
	EntityProposal: {
		"id": false, "title": false, "client_id": false, "owner_id": false,
		"amount": false, "status": false,
		"sent_at": true, "expires_at": true, "created_at": true, "updated_at": true,
	},
	EntityStaff: {
		"id": false, "name": false, "email": false, "role": false, "status": false,
		"last_active_at": true, "created_at": true, "updated_at": true,
	},
	EntityClient: {
		"id": false, "name": false, "email": false, "company": false, "phone": false,
		"created_at": true, "updated_at": true,
	},
}

// KnownField reports whether field exists on kind.
func KnownField(kind EntityKind, field string) bool {
	_, ok := entityFields[kind][field]
	return ok
}

// TemporalField reports whether field is a timestamp on kind.
func TemporalField(kind EntityKind, field string) bool {
	return entityFields[kind][field]
}

// NormalizeField converts camelCase names ("dueAt") to the snake_case
// column form ("due_at").
func NormalizeField(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValuesEqual compares two field values across the representations the
// engine sees (typed rows, JSON payloads, operator input).
func ValuesEqual(a, b interface{}) bool {
	a, b = deref(a), deref(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func deref(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func toFloat(v interface{}) (float64, bool) {
	switch n := deref(v).(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toUint(v interface{}) (uint, bool) {
	if s, ok := deref(v).(string); ok {
		n, err := strconv.ParseUint(s, 10, 64)
		return uint(n), err == nil && n > 0
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 || f != math.Trunc(f) {
		return 0, false
	}
	return uint(f), true
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", "2006-01-02"}

func asTime(v interface{}) (time.Time, bool) {
	switch t := deref(v).(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
