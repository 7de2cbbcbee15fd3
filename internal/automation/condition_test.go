package automation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func mustCondition(t *testing.T, kind EntityKind, raw string) *Condition {
	t.Helper()
	c, err := ParseCondition([]byte(raw), kind)
	require.NoError(t, err)
	return c
}

func TestParseCondition_NormalizesFieldsAndThreshold(t *testing.T) {
	c := mustCondition(t, EntityTask, `{"all":[
		{"field":"dueAt","direction":"overdue-by","thresholdDuration":"2d"},
		{"field":"status","op":"neq","value":"done"}
	]}`)

	require.Equal(t, ShapeCompound, c.Shape())
	require.Len(t, c.All, 2)
	assert.Equal(t, "due_at", c.All[0].Field)
	require.NotNil(t, c.All[0].Threshold)
	assert.Equal(t, 48*time.Hour, c.All[0].Threshold.Std())
	assert.Nil(t, c.All[0].ThresholdDuration)
	assert.Equal(t, "status", c.All[1].Field)
	assert.True(t, c.HasTemporal())
}

func TestParseCondition_OperatorKey(t *testing.T) {
	c := mustCondition(t, EntityTask, `{"all":[
		{"field":"status","operator":"eq","value":"todo"},
		{"field":"dueAt","direction":"overdue-by","thresholdDuration":"1d"}
	]}`)
	require.Len(t, c.All, 2)
	assert.Equal(t, ShapeComparison, c.All[0].Shape())
	assert.Equal(t, OpEq, c.All[0].Op)
	assert.Nil(t, c.All[0].Operator)
	assert.NotContains(t, string(c.JSON()), `"operator"`)

	assert.True(t, c.Matches(map[string]interface{}{"status": "todo", "due_at": evalNow.Add(-48 * time.Hour)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"status": "done", "due_at": evalNow.Add(-48 * time.Hour)}, evalNow))

	same := mustCondition(t, EntityTask, `{"field":"status","op":"neq","operator":"neq","value":"done"}`)
	assert.Equal(t, OpNeq, same.Op)
}

func TestParseCondition_HugeThresholdRejected(t *testing.T) {
	_, err := ParseCondition([]byte(`{"field":"due_at","direction":"overdue-by","threshold":"99999999w"}`), EntityTask)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation), "got %v", err)

	_, err = ParseCondition([]byte(`{"field":"due_at","direction":"overdue-by","threshold":1e300}`), EntityTask)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
}

func TestParseCondition_Empty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  "} {
		c, err := ParseCondition([]byte(raw), EntityTask)
		require.NoError(t, err)
		assert.Nil(t, c)
		assert.True(t, c.Matches(map[string]interface{}{}, evalNow))
	}
}

func TestParseCondition_Rejects(t *testing.T) {
	cases := map[string]string{
		"disjunction":          `{"any":[{"field":"status","op":"eq","value":"todo"}]}`,
		"nested disjunction":   `{"all":[{"or":[]}]}`,
		"unknown field":        `{"field":"colour","op":"eq","value":"red"}`,
		"unknown operator":     `{"field":"status","op":"like","value":"to%"}`,
		"unknown operator key": `{"field":"status","operator":"like","value":"to%"}`,
		"op and operator":      `{"field":"status","op":"eq","operator":"neq","value":"x"}`,
		"temporal on string":   `{"field":"status","direction":"overdue-by","threshold":"1d"}`,
		"missing threshold":    `{"field":"due_at","direction":"overdue-by"}`,
		"mixed shape":          `{"field":"due_at","op":"eq","direction":"overdue-by","threshold":"1d"}`,
		"empty all":            `{"all":[]}`,
		"bad unit":             `{"field":"due_at","direction":"overdue-by","threshold":"2y"}`,
		"ordering on bool":     `{"field":"priority","op":"gt","value":true}`,
		"nested path":          `{"field":"assignee.name","op":"eq","value":"x"}`,
		"bad direction":        `{"field":"due_at","direction":"sometime","threshold":"1d"}`,
		"not json":             `{"field":`,
		"unknown key":          `{"field":"status","op":"eq","value":"x","negate":true}`,
		"temporal with value":  `{"field":"due_at","direction":"overdue-by","threshold":"1d","value":"x"}`,
		"unknown field in all": `{"all":[{"field":"status","op":"eq","value":"x"},{"field":"nope","op":"eq","value":1}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCondition([]byte(raw), EntityTask)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
}

func TestParseCondition_DisjunctionMessage(t *testing.T) {
	_, err := ParseCondition([]byte(`{"any":[]}`), EntityTask)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "trigger_condition.any", verr.Issues[0].Field)
	assert.Contains(t, verr.Issues[0].Message, "one rule per alternative")
}

func TestOverdueBy(t *testing.T) {
	c := mustCondition(t, EntityTask, `{"field":"due_at","direction":"overdue-by","threshold":"2d"}`)

	assert.True(t, c.Matches(map[string]interface{}{"due_at": evalNow.Add(-72 * time.Hour)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"due_at": evalNow.Add(-24 * time.Hour)}, evalNow))
	// strictly greater than the threshold
	assert.False(t, c.Matches(map[string]interface{}{"due_at": evalNow.Add(-48 * time.Hour)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"due_at": evalNow.Add(time.Hour)}, evalNow))

	// JSON payloads carry timestamps as strings
	assert.True(t, c.Matches(map[string]interface{}{"due_at": evalNow.Add(-72 * time.Hour).Format(time.RFC3339)}, evalNow))
}

func TestUpcomingWithin(t *testing.T) {
	c := mustCondition(t, EntityBooking, `{"field":"startsAt","direction":"upcoming-within","threshold":"2h"}`)

	assert.True(t, c.Matches(map[string]interface{}{"starts_at": evalNow.Add(time.Hour)}, evalNow))
	assert.True(t, c.Matches(map[string]interface{}{"starts_at": evalNow.Add(2 * time.Hour)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"starts_at": evalNow.Add(3 * time.Hour)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"starts_at": evalNow.Add(-time.Minute)}, evalNow))
	assert.False(t, c.Matches(map[string]interface{}{"starts_at": evalNow}, evalNow))
}

func TestMissingFieldNeverMatches(t *testing.T) {
	temporalCond := mustCondition(t, EntityTask, `{"field":"due_at","direction":"overdue-by","threshold":"0s"}`)
	assert.False(t, temporalCond.Matches(map[string]interface{}{}, evalNow))
	var nilTime *time.Time
	assert.False(t, temporalCond.Matches(map[string]interface{}{"due_at": nilTime}, evalNow))

	cmp := mustCondition(t, EntityTask, `{"field":"status","op":"neq","value":"done"}`)
	assert.False(t, cmp.Matches(map[string]interface{}{"title": "x"}, evalNow))

	gt := mustCondition(t, EntityInvoice, `{"field":"amount","op":"gt","value":10}`)
	assert.False(t, gt.Matches(map[string]interface{}{"amount": nil}, evalNow))
}

func TestComparisons(t *testing.T) {
	fields := map[string]interface{}{
		"status":      "review",
		"amount":      150.0,
		"client_id":   uint(4),
		"assignee_id": nil,
		"due_at":      evalNow,
	}
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"field":"status","op":"eq","value":"review"}`, true},
		{`{"field":"status","op":"neq","value":"review"}`, false},
		{`{"field":"amount","op":"gt","value":100}`, true},
		{`{"field":"amount","op":"lte","value":150}`, true},
		{`{"field":"amount","op":"lt","value":150}`, false},
		{`{"field":"client_id","op":"eq","value":4}`, true},
		{`{"field":"client_id","op":"gte","value":5}`, false},
		{`{"field":"assignee_id","op":"eq","value":null}`, true},
		{`{"field":"assignee_id","op":"neq","value":null}`, false},
		{`{"field":"due_at","op":"gt","value":"2026-03-01T00:00:00Z"}`, true},
		{`{"field":"due_at","op":"lt","value":"2026-03-01T00:00:00Z"}`, false},
		{`{"field":"status","op":"gt","value":"in_progress"}`, true},
		{`{"all":[{"field":"status","op":"eq","value":"review"},{"field":"amount","op":"gt","value":200}]}`, false},
	}
	for _, tc := range cases {
		c := mustCondition(t, "", tc.raw)
		assert.Equal(t, tc.want, c.Matches(fields, evalNow), tc.raw)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":      0,
		"0":     0,
		"90m":   90 * time.Minute,
		"1h30m": 90 * time.Minute,
		"2d":    48 * time.Hour,
		"1w":    7 * 24 * time.Hour,
		"1d12h": 36 * time.Hour,
		"45s":   45 * time.Second,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"2y", "d", "-1h", "3 days", "99999999w", "9223372036854775807s", "15250w1w"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}

	// largest whole number of weeks that fits
	got, err := ParseDuration("15250w")
	require.NoError(t, err)
	assert.Equal(t, 15250*7*24*time.Hour, got)

	assert.Equal(t, "2d", FormatDuration(48*time.Hour))
	assert.Equal(t, "1w", FormatDuration(7*24*time.Hour))
	assert.Equal(t, "1h30m0s", FormatDuration(90*time.Minute))
}

func TestNormalizeField(t *testing.T) {
	assert.Equal(t, "due_at", NormalizeField("dueAt"))
	assert.Equal(t, "last_active_at", NormalizeField("lastActiveAt"))
	assert.Equal(t, "status", NormalizeField("status"))
	assert.Equal(t, "assignee_id", NormalizeField("assignee_id"))
}

func TestDurationUnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"2d"`)))
	assert.Equal(t, 48*time.Hour, d.Std())
	require.NoError(t, d.UnmarshalJSON([]byte(`90`)))
	assert.Equal(t, 90*time.Second, d.Std())

	for _, bad := range []string{`-5`, `1e300`, `9300000000000`, `"99999999w"`, `true`} {
		assert.Error(t, d.UnmarshalJSON([]byte(bad)), bad)
	}
}
