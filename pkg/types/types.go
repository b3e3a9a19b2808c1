// Package types defines the core data structures shared across Memento's
// memory subsystems: the tagged-variant memory model, graph relationship
// types, and the small set of enums validated at the tool surface boundary.
package types

import "fmt"

// MemoryKind discriminates the variant of a Memory. It also names the
// memory's VectorStore collection and GraphStore node label (lower/Pascal
// case respectively; see Collection() and Label()).
type MemoryKind string

const (
	KindRequirements    MemoryKind = "requirements"
	KindDesign          MemoryKind = "design"
	KindCodePattern     MemoryKind = "code_pattern"
	KindComponent       MemoryKind = "component"
	KindFunction        MemoryKind = "function"
	KindTestHistory     MemoryKind = "test_history"
	KindSession         MemoryKind = "session"
	KindUserPreference  MemoryKind = "user_preference"
)

// AllKinds lists every memory variant, in the order collections should be
// initialized and normalization phases iterate.
var AllKinds = []MemoryKind{
	KindRequirements,
	KindDesign,
	KindCodePattern,
	KindComponent,
	KindFunction,
	KindTestHistory,
	KindSession,
	KindUserPreference,
}

// IsValid reports whether k is one of the eight defined kinds.
func (k MemoryKind) IsValid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Collection returns the VectorStore collection name for the kind.
func (k MemoryKind) Collection() string {
	switch k {
	case KindRequirements:
		return "requirements"
	case KindDesign:
		return "designs"
	case KindCodePattern:
		return "code_patterns"
	case KindComponent:
		return "components"
	case KindFunction:
		return "functions"
	case KindTestHistory:
		return "test_history"
	case KindSession:
		return "sessions"
	case KindUserPreference:
		return "user_preferences"
	default:
		return string(k)
	}
}

// Label returns the GraphStore node label for the kind. Every
// node additionally carries the common label "Memory".
func (k MemoryKind) Label() string {
	switch k {
	case KindRequirements:
		return "Requirement"
	case KindDesign:
		return "Design"
	case KindCodePattern:
		return "CodePattern"
	case KindComponent:
		return "Component"
	case KindFunction:
		return "Function"
	case KindTestHistory:
		return "TestHistory"
	case KindSession:
		return "Session"
	case KindUserPreference:
		return "UserPreference"
	default:
		return string(k)
	}
}

// CommonLabel is applied to every node regardless of kind.
const CommonLabel = "Memory"

// SyncStatus tracks cross-store coherence for a memory.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

// RelationshipType is a typed directed edge label between two MemoryIds
//. Implementations may add types beyond the canonical set;
// GraphStore treats unrecognized types as opaque labels.
type RelationshipType string

const (
	RelImplements RelationshipType = "IMPLEMENTS"
	RelImports    RelationshipType = "IMPORTS"
	RelCalls      RelationshipType = "CALLS"
	RelDependsOn  RelationshipType = "DEPENDS_ON"
	RelExtends    RelationshipType = "EXTENDS"
	RelSupersedes RelationshipType = "SUPERSEDES"
	RelTests      RelationshipType = "TESTS"
	RelReferences RelationshipType = "REFERENCES"
	RelDerivedFrom RelationshipType = "DERIVED_FROM"
)

// CanonicalRelationshipTypes lists the built-in relationship types.
var CanonicalRelationshipTypes = []RelationshipType{
	RelImplements, RelImports, RelCalls, RelDependsOn, RelExtends,
	RelSupersedes, RelTests, RelReferences, RelDerivedFrom,
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
