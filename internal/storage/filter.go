package storage

import (
	"fmt"
	"strings"
)

// Filter is the VectorStore filter expression language: a
// mapping of field name to predicate, conjoined across keys. A predicate is
// either a bare scalar (equality) or one of the structured forms below.
type Filter map[string]interface{}

// In constrains a field to list membership: {"in": [...]}.
type In struct{ Values []interface{} }

// Range constrains a field with any combination of bounds.
type Range struct {
	Gte, Lte interface{}
	Gt, Lt   interface{}
}

// Contains is a substring predicate for text fields.
type Contains struct{ Value string }

// Not negates an inner predicate (scalar or structured).
type Not struct{ Inner interface{} }

// Matches evaluates f against an in-process payload map. Used by the sqlite
// VectorStore and by GraphStore node property filtering, where pushing the
// predicate down into SQL is not worthwhile.
func (f Filter) Matches(payload map[string]interface{}) bool {
	for field, pred := range f {
		v, present := payload[field]
		if !matchOne(pred, v, present) {
			return false
		}
	}
	return true
}

func matchOne(pred interface{}, v interface{}, present bool) bool {
	switch p := pred.(type) {
	case Not:
		return !matchOne(p.Inner, v, present)
	case In:
		if !present {
			return false
		}
		for _, want := range p.Values {
			if equalScalar(v, want) {
				return true
			}
		}
		return false
	case Range:
		if !present {
			return false
		}
		return inRange(v, p)
	case Contains:
		if !present {
			return false
		}
		s, ok := v.(string)
		return ok && strings.Contains(s, p.Value)
	default:
		// Bare scalar equality.
		return present && equalScalar(v, pred)
	}
}

func equalScalar(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func inRange(v interface{}, r Range) bool {
	fv, ok := toFloat(v)
	if !ok {
		return false
	}
	if r.Gte != nil {
		if b, ok := toFloat(r.Gte); ok && fv < b {
			return false
		}
	}
	if r.Lte != nil {
		if b, ok := toFloat(r.Lte); ok && fv > b {
			return false
		}
	}
	if r.Gt != nil {
		if b, ok := toFloat(r.Gt); ok && fv <= b {
			return false
		}
	}
	if r.Lt != nil {
		if b, ok := toFloat(r.Lt); ok && fv >= b {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
