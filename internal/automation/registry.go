package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// ActionConfig is the decoded, validated config of one action kind.
type ActionConfig interface {
	ActionKind() ActionKind
}

// Invocation is everything a handler receives for one execution.
type Invocation struct {
	RuleID   string
	RuleName string
	Channel  DeliveryChannel
	Context  TriggerContext
	Config   ActionConfig
	Actor    Actor
}

// Handler implements one action kind.
type Handler interface {
	Kind() ActionKind
	Description() string
	// Schema is the JSON schema of the config document.
	Schema() string
	Decode(raw json.RawMessage) (ActionConfig, error)
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// ActionInfo describes a registered action for the API.
type ActionInfo struct {
	Kind        ActionKind      `json:"kind"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Registry maps action kinds to handlers. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	handlers map[ActionKind]Handler
}

// NewRegistry registers handlers; a later handler for the same kind wins.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[ActionKind]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind ActionKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Decode validates raw against the handler of kind.
func (r *Registry) Decode(kind ActionKind, raw json.RawMessage) (ActionConfig, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return h.Decode(raw)
}

// Dispatch routes an invocation to the handler of kind.
func (r *Registry) Dispatch(ctx context.Context, kind ActionKind, inv Invocation) (Result, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	if inv.Config == nil || inv.Config.ActionKind() != kind {
		return Result{}, fmt.Errorf("%w: config does not belong to %s", ErrValidation, kind)
	}
	return h.Execute(ctx, inv)
}

// Describe lists registered actions sorted by kind.
func (r *Registry) Describe() []ActionInfo {
	out := make([]ActionInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, ActionInfo{Kind: h.Kind(), Description: h.Description(), Schema: json.RawMessage(h.Schema())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// compiledSchema lazily compiles a handler's JSON schema once.
type compiledSchema struct {
	src    string
	once   sync.Once
	schema *gojsonschema.Schema
	err    error
}

func newSchema(src string) *compiledSchema { return &compiledSchema{src: src} }

func (s *compiledSchema) load() (*gojsonschema.Schema, error) {
	s.once.Do(func() {
		s.schema, s.err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.src))
	})
	return s.schema, s.err
}

// decodeConfig checks raw against the JSON schema, unmarshals it into dst
// and runs struct validation. Every problem becomes a ValidationError issue.
func decodeConfig(schema *compiledSchema, raw json.RawMessage, dst interface{}) error {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	verr := &ValidationError{}

	sch, err := schema.load()
	if err != nil {
		return fmt.Errorf("compile action schema: %w", err)
	}
	res, err := sch.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		verr.Add("action_config", "invalid JSON: %v", err)
		return verr
	}
	if !res.Valid() {
		for _, re := range res.Errors() {
			verr.Add(schemaField(re.Field()), "%s", re.Description())
		}
		return verr
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		verr.Add("action_config", "%v", err)
		return verr
	}
	if err := structValidator().Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); !ok {
			return err
		}
		for _, fe := range verrs {
			verr.Add(fieldPath(fe.Namespace()), "failed %s validation", fe.Tag())
		}
	}
	return verr.OrNil()
}

func asValidationErrors(err error, dst *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*dst = v
	}
	return ok
}

func schemaField(f string) string {
	if f == "(root)" || f == "" {
		return "action_config"
	}
	return "action_config." + f
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return "action_config." + rest
	}
	return "action_config"
}
