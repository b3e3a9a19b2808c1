package mcp

import (
	"fmt"
	"time"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/pkg/types"
)

// validateArgs checks args against a tool's inputSchema: required-field
// presence, declared property types, enum membership, and integer bounds.
// This is a deliberately minimal JSON-Schema subset; anything
// deeper is validated by the domain layer (types.BaseMemory.Validate).
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	required, _ := schema["required"].([]string)
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return corerr.Field(field, "is required")
		}
	}
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range args {
		propSchema, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		if err := validateValue(name, propSchema, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, propSchema map[string]interface{}, value interface{}) error {
	wantType, _ := propSchema["type"].(string)
	switch wantType {
	case "string":
		if _, ok := value.(string); !ok {
			return corerr.Field(name, "must be a string")
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return corerr.Field(name, "must be a boolean")
		}
	case "integer", "number":
		n, ok := asNumber(value)
		if !ok {
			return corerr.Field(name, "must be a number")
		}
		if max, ok := asNumber(propSchema["maximum"]); ok && n > max {
			return corerr.Field(name, fmt.Sprintf("must be <= %v", max))
		}
		if min, ok := asNumber(propSchema["minimum"]); ok && n < min {
			return corerr.Field(name, fmt.Sprintf("must be >= %v", min))
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return corerr.Field(name, "must be an array")
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return corerr.Field(name, "must be an object")
		}
	}

	if enum, ok := propSchema["enum"].([]string); ok {
		s, _ := value.(string)
		for _, allowed := range enum {
			if s == allowed {
				return nil
			}
		}
		return corerr.Field(name, fmt.Sprintf("must be one of %v", enum))
	}
	return nil
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ---------------------------------------------------------------------------
// Argument extraction helpers
// ---------------------------------------------------------------------------

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func argInt(args map[string]interface{}, key string, fallback int) int {
	if n, ok := asNumber(args[key]); ok {
		return int(n)
	}
	return fallback
}

func argFloat(args map[string]interface{}, key string, fallback float64) float64 {
	if n, ok := asNumber(args[key]); ok {
		return n
	}
	return fallback
}

func argStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argKinds(args map[string]interface{}, key string) ([]types.MemoryKind, error) {
	names := argStringSlice(args, key)
	kinds := make([]types.MemoryKind, 0, len(names))
	for _, name := range names {
		kind := types.MemoryKind(name)
		if !kind.IsValid() {
			return nil, corerr.Field(key, fmt.Sprintf("unrecognized memory type %q", name))
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func argRelTypes(args map[string]interface{}, key string) []types.RelationshipType {
	names := argStringSlice(args, key)
	out := make([]types.RelationshipType, 0, len(names))
	for _, name := range names {
		out = append(out, types.RelationshipType(name))
	}
	return out
}

func argTime(args map[string]interface{}, key string) *time.Time {
	s := argString(args, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

var kindEnum = []string{
	string(types.KindRequirements), string(types.KindDesign),
	string(types.KindCodePattern), string(types.KindComponent),
	string(types.KindFunction), string(types.KindTestHistory),
	string(types.KindSession), string(types.KindUserPreference),
}
