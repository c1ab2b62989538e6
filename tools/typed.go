package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// TypedTool declares its parameters with a Go struct. The JSON schema sent
// to the model is reflected from T, and every call is validated against it
// before being decoded into T.
type TypedTool[T any] struct {
	def       types.ToolDefinition
	validator *gojsonschema.Schema
	fn        func(ctx context.Context, in T) (any, error)
}

type TypedOption func(schema map[string]any)

// WithDefault sets the schema default of a top-level property. Defaults are
// advertised to the model; they are not applied during decoding.
func WithDefault(property string, value any) TypedOption {
	return func(schema map[string]any) {
		props, _ := schema["properties"].(map[string]any)
		prop, ok := props[property].(map[string]any)
		if !ok {
			return
		}
		prop["default"] = value
	}
}

func NewTypedTool[T any](name, description string, fn func(ctx context.Context, in T) (any, error), opts ...TypedOption) (*TypedTool[T], error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", name)
	}
	schema, err := reflectSchema(new(T))
	if err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", name, err)
	}
	for _, opt := range opts {
		opt(schema)
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", name, err)
	}
	return &TypedTool[T]{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		validator: validator,
		fn:        fn,
	}, nil
}

func (t *TypedTool[T]) Definition() types.ToolDefinition {
	return t.def
}

func (t *TypedTool[T]) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return nil, fmt.Errorf("invalid arguments for %s: not valid JSON", t.def.Name)
	}
	result, err := t.validator.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.def.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid arguments for %s: %s", t.def.Name, strings.Join(msgs, "; "))
	}
	var in T
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.def.Name, err)
	}
	return t.fn(ctx, in)
}

func reflectSchema(v any) (map[string]any, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	// Providers and the validator only need the object schema itself.
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}
