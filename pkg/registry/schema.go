package registry

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// ValidateArgs checks args against a JSON-schema-like object schema: every
// property in schema's "required" list must be present, and every
// property present in args must match its declared "type" (spec.md §4.3:
// "validates args against schema (exact keys, types, and required
// fields)"). Keys in args not declared in schema's "properties" are
// rejected — this is the "exact keys" half of the contract.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	properties, _ := schema["properties"].(map[string]any)

	for key := range args {
		if properties != nil {
			if _, ok := properties[key]; !ok {
				return fmt.Errorf("unexpected argument %q", key)
			}
		}
	}

	required, _ := schema["required"].([]string)
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}

	if properties == nil {
		return nil
	}

	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		propDef, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := propDef["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(args[name], wantType) {
			return fmt.Errorf("argument %q: expected type %s, got %T", name, wantType, args[name])
		}
	}
	return nil
}

func matchesJSONType(value any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		rv := reflect.ValueOf(value)
		return rv.IsValid() && rv.Kind() == reflect.Slice
	default:
		return true
	}
}

// SchemaFromStruct derives a JSON-schema parameter object from a Go
// struct, for tools (in particular remote tool-server catalogue entries,
// see pkg/toolserver) whose argument shape is best expressed as a typed
// Go struct rather than a hand-written map literal.
func SchemaFromStruct(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw := map[string]any{
		"type": "object",
	}
	if schema.Properties != nil {
		props := map[string]any{}
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			props[pair.Key] = propertyToMap(pair.Value)
		}
		raw["properties"] = props
	}
	if len(schema.Required) > 0 {
		raw["required"] = schema.Required
	}
	return raw
}

func propertyToMap(s *jsonschema.Schema) map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = s.Type
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}
