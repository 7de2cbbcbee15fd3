package automation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"date": func(v interface{}) string {
		if t, ok := asTime(v); ok {
			return t.Format("2006-01-02 15:04")
		}
		return ""
	},
	"default": func(def, v interface{}) interface{} {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// message is a parsed text/template used for notification titles, bodies
// and email subjects. Entity fields are available as .entity, operator
// values as .values.
type message struct {
	src  string
	tmpl *template.Template
}

func parseMessage(name, src string) (*message, error) {
	if !strings.Contains(src, "{{") {
		return &message{src: src}, nil
	}
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	return &message{src: src, tmpl: t}, nil
}

func (m *message) render(tc TriggerContext) (string, error) {
	if m == nil {
		return "", nil
	}
	if m.tmpl == nil {
		return m.src, nil
	}
	data := map[string]interface{}{
		"entity":      tc.Fields,
		"before":      tc.Before,
		"values":      tc.Values,
		"event":       tc.EventType,
		"entity_kind": string(tc.EntityKind),
		"entity_id":   tc.EntityID,
		"now":         tc.MatchedAt.Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := m.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", m.tmpl.Name(), err)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
