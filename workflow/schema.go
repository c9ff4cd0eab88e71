package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// InputSchema validates and normalizes workflow input. SafeParse is called
// exactly once per run, before the first step.
type InputSchema interface {
	SafeParse(input interface{}) (map[string]interface{}, error)
}

// SchemaDescriber is implemented by schemas that can describe themselves
// for workflow metadata.
type SchemaDescriber interface {
	Describe() map[string]interface{}
}

// SchemaFunc adapts a function to InputSchema.
type SchemaFunc func(input interface{}) (map[string]interface{}, error)

// SafeParse implements InputSchema.
func (f SchemaFunc) SafeParse(input interface{}) (map[string]interface{}, error) {
	return f(input)
}

type anyInput struct{}

// AnyInput accepts any JSON object and nil.
func AnyInput() InputSchema { return anyInput{} }

func (anyInput) SafeParse(input interface{}) (map[string]interface{}, error) {
	switch v := input.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return v, nil
	}
	var out map[string]interface{}
	if err := roundTrip(input, &out); err != nil {
		return nil, fmt.Errorf("input must be an object: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func (anyInput) Describe() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

// Validator is implemented by input structs with custom validation.
type Validator interface {
	Validate() error
}

// StructSchema validates input by decoding it into T. Unknown fields are
// rejected and T's Validate method is called when present.
type StructSchema[T any] struct{}

// StructInput returns a schema for input shaped like T.
func StructInput[T any]() StructSchema[T] { return StructSchema[T]{} }

// SafeParse implements InputSchema.
func (StructSchema[T]) SafeParse(input interface{}) (map[string]interface{}, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, err
		}
	}
	var out map[string]interface{}
	if err := roundTrip(v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe returns a JSON-schema-like description of T's fields.
func (StructSchema[T]) Describe() map[string]interface{} {
	var zero T
	return describeType(reflect.TypeOf(zero))
}

// DecodeInput converts validated variables into T.
func DecodeInput[T any](variables map[string]interface{}) (T, error) {
	var v T
	err := roundTrip(variables, &v)
	return v, err
}

func roundTrip(in, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func describeType(t reflect.Type) map[string]interface{} {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return map[string]interface{}{}
	}
	switch t.Kind() {
	case reflect.Struct:
		props := map[string]interface{}{}
		required := []string{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			prop := describeType(f.Type)
			if desc := f.Tag.Get("description"); desc != "" {
				prop["description"] = desc
			}
			props[name] = prop
			if !strings.Contains(opts, "omitempty") {
				required = append(required, name)
			}
		}
		return map[string]interface{}{"type": "object", "properties": props, "required": required}
	case reflect.Map:
		return map[string]interface{}{"type": "object"}
	case reflect.Slice, reflect.Array:
		return map[string]interface{}{"type": "array", "items": describeType(t.Elem())}
	case reflect.String:
		return map[string]interface{}{"type": "string"}
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}
	default:
		return map[string]interface{}{}
	}
}
