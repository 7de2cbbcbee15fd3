package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpLt  Operator = "lt"
	OpGte Operator = "gte"
	OpLte Operator = "lte"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte:
		return true
	}
	return false
}

// Direction is the sense of a temporal comparison.
type Direction string

const (
	// DirOverdueBy matches when now - t > threshold.
	DirOverdueBy Direction = "overdue-by"
	// DirUpcomingWithin matches when t is in the future and t - now <= threshold.
	DirUpcomingWithin Direction = "upcoming-within"
)

// Condition is one node of a trigger condition tree: a comparison, a
// temporal comparison, or an "all" conjunction of child nodes.
type Condition struct {
	Field     string      `json:"field,omitempty"`
	Op        Operator    `json:"op,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Direction Direction   `json:"direction,omitempty"`
	Threshold *Duration   `json:"threshold,omitempty"`
	All       []Condition `json:"all,omitempty"`

	// accepted on input, folded into Op and Threshold
	Operator          *Operator `json:"operator,omitempty"`
	ThresholdDuration *Duration `json:"thresholdDuration,omitempty"`
}

// Shape identifies which grammar production a node uses.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeComparison
	ShapeTemporal
	ShapeCompound
)

func (c Condition) Shape() Shape {
	comparison := c.Op != ""
	temporal := c.Direction != ""
	compound := c.All != nil
	switch {
	case compound && !comparison && !temporal && c.Field == "":
		return ShapeCompound
	case temporal && !comparison && !compound:
		return ShapeTemporal
	case comparison && !temporal && !compound:
		return ShapeComparison
	}
	return ShapeInvalid
}

// ParseCondition decodes and validates a condition document against the
// fields of kind. An empty document yields a nil condition, which always
// matches. Field names are normalised to snake_case.
func ParseCondition(raw []byte, kind EntityKind) (*Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, nil
	}

	verr := &ValidationError{}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		verr.Add("trigger_condition", "invalid JSON: %v", err)
		return nil, verr
	}
	if path := findDisjunction(generic, "trigger_condition"); path != "" {
		verr.Add(path, "disjunction is not supported; create one rule per alternative")
		return nil, verr
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var c Condition
	if err := dec.Decode(&c); err != nil {
		verr.Add("trigger_condition", "%v", err)
		return nil, verr
	}

	c.normalize()
	c.validate(kind, "trigger_condition", verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return &c, nil
}

func findDisjunction(v interface{}, path string) string {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, key := range []string{"any", "or", "anyOf"} {
			if _, ok := t[key]; ok {
				return path + "." + key
			}
		}
		if all, ok := t["all"].([]interface{}); ok {
			for i, child := range all {
				if p := findDisjunction(child, fmt.Sprintf("%s.all[%d]", path, i)); p != "" {
					return p
				}
			}
		}
	}
	return ""
}

func (c *Condition) normalize() {
	c.Field = NormalizeField(c.Field)
	if c.Operator != nil && (c.Op == "" || c.Op == *c.Operator) {
		c.Op = *c.Operator
		c.Operator = nil
	}
	if c.Threshold == nil && c.ThresholdDuration != nil {
		c.Threshold = c.ThresholdDuration
	}
	c.ThresholdDuration = nil
	if n, ok := c.Value.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			c.Value = f
		}
	}
	for i := range c.All {
		c.All[i].normalize()
	}
}

func (c *Condition) validate(kind EntityKind, path string, verr *ValidationError) {
	if c.Operator != nil {
		// op and operator both set to different values
		verr.Add(path+".operator", "conflicts with op %q", c.Op)
		return
	}
	switch c.Shape() {
	case ShapeCompound:
		if len(c.All) == 0 {
			verr.Add(path+".all", "must contain at least one condition")
		}
		for i := range c.All {
			c.All[i].validate(kind, fmt.Sprintf("%s.all[%d]", path, i), verr)
		}
	case ShapeComparison:
		c.validateField(kind, path, false, verr)
		if !c.Op.valid() {
			verr.Add(path+".op", "unknown operator %q", c.Op)
			return
		}
		switch c.Op {
		case OpGt, OpLt, OpGte, OpLte:
			if !orderable(c.Value) {
				verr.Add(path+".value", "operator %s needs a number, time or string value", c.Op)
			}
		}
		if _, nested := c.Value.(map[string]interface{}); nested {
			verr.Add(path+".value", "nested values are not supported")
		}
	case ShapeTemporal:
		c.validateField(kind, path, true, verr)
		if c.Direction != DirOverdueBy && c.Direction != DirUpcomingWithin {
			verr.Add(path+".direction", "must be %s or %s", DirOverdueBy, DirUpcomingWithin)
		}
		if c.Threshold == nil {
			verr.Add(path+".threshold", "is required")
		}
		if c.Value != nil {
			verr.Add(path+".value", "temporal conditions compare against now, not a value")
		}
	default:
		verr.Add(path, "must be one of {field,op|operator,value}, {field,direction,threshold} or {all:[...]}")
	}
}

func (c *Condition) validateField(kind EntityKind, path string, temporal bool, verr *ValidationError) {
	if c.Field == "" {
		verr.Add(path+".field", "is required")
		return
	}
	if strings.Contains(c.Field, ".") {
		verr.Add(path+".field", "nested field paths are not supported")
		return
	}
	if kind == "" {
		return
	}
	if !KnownField(kind, c.Field) {
		verr.Add(path+".field", "unknown %s field %q", kind, c.Field)
		return
	}
	if temporal && !TemporalField(kind, c.Field) {
		verr.Add(path+".field", "%q is not a timestamp field", c.Field)
	}
}

func orderable(v interface{}) bool {
	switch v.(type) {
	case float64, string:
		return true
	}
	return false
}

// HasTemporal reports whether any node in the tree is a temporal comparison.
func (c *Condition) HasTemporal() bool {
	if c == nil {
		return false
	}
	if c.Shape() == ShapeTemporal {
		return true
	}
	for i := range c.All {
		if c.All[i].HasTemporal() {
			return true
		}
	}
	return false
}

// Fields returns every field the tree references.
func (c *Condition) Fields() []string {
	if c == nil {
		return nil
	}
	if c.Shape() != ShapeCompound {
		return []string{c.Field}
	}
	var out []string
	for i := range c.All {
		out = append(out, c.All[i].Fields()...)
	}
	return out
}

// JSON encodes the normalised condition for storage.
func (c *Condition) JSON() []byte {
	if c == nil {
		return nil
	}
	b, _ := json.Marshal(c)
	return b
}
