package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

func TestSanitizeLabel_RejectsInjectionAttempt(t *testing.T) {
	assert.Equal(t, types.CommonLabel, sanitizeLabel("Function) DETACH DELETE (n"))
	assert.Equal(t, "Function", sanitizeLabel("Function"))
}

func TestSanitizeRelType_UppercasesAndRejectsInjection(t *testing.T) {
	assert.Equal(t, "CALLS", sanitizeRelType(types.RelCalls))
	assert.Equal(t, "RELATED_TO", sanitizeRelType(types.RelationshipType("x}]-() DETACH DELETE")))
}

func TestCypherWhere_EmptyFilter(t *testing.T) {
	where, params := cypherWhere("n", nil)
	assert.Equal(t, "", where)
	assert.Empty(t, params)
}

func TestCypherWhere_Equality(t *testing.T) {
	where, params := cypherWhere("n", storage.Filter{
		"status": "active",
	})
	assert.Contains(t, where, "n.status = $p1")
	assert.Equal(t, "active", params["p1"])
}

func TestCypherWhere_InPredicate(t *testing.T) {
	where, params := cypherWhere("n", storage.Filter{
		"kind": storage.In{Values: []interface{}{"function", "component"}},
	})
	assert.Contains(t, where, "n.kind IN $p1")
	assert.Len(t, params["p1"], 2)
}
