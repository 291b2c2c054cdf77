package adapter

// The upstream function-calling surface accepts a narrow JSON Schema
// subset. Everything outside the keep-list is stripped recursively;
// combinators and constraint keywords in particular make the upstream
// reject the whole request.

// schemaDenylist enumerates keywords removed from tool schemas.
var schemaDenylist = map[string]bool{
	// combinators
	"allOf": true,
	"anyOf": true,
	"oneOf": true,
	"not":   true,
	// string/number/array constraints
	"minLength":        true,
	"maxLength":        true,
	"minimum":          true,
	"maximum":          true,
	"exclusiveMinimum": true,
	"exclusiveMaximum": true,
	"multipleOf":       true,
	"minItems":         true,
	"maxItems":         true,
	"uniqueItems":      true,
	"minProperties":    true,
	"maxProperties":    true,
	// pattern and dependency keys
	"pattern":           true,
	"patternProperties": true,
	"dependencies":      true,
	"dependentRequired": true,
	"dependentSchemas":  true,
	// draft metadata
	"$schema":     true,
	"$id":         true,
	"$ref":        true,
	"$defs":       true,
	"definitions": true,
	"$comment":    true,
}

// SanitizeSchema returns a deep copy of schema with denylisted keywords
// removed at every level, recursing through properties, items and
// additionalProperties. type, description, enum, required, default and
// format are preserved as-is.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if schemaDenylist[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				cleaned := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						cleaned[name] = SanitizeSchema(subSchema)
					} else {
						cleaned[name] = sub
					}
				}
				out[key] = cleaned
				continue
			}
			out[key] = value
		case "items", "additionalProperties":
			if subSchema, ok := value.(map[string]any); ok {
				out[key] = SanitizeSchema(subSchema)
				continue
			}
			out[key] = value
		default:
			out[key] = value
		}
	}
	return out
}
