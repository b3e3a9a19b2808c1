package neo4j

import (
	"fmt"
	"regexp"
	"strings"
)

// forbiddenKeywords lists the write/admin/procedure keywords that must not
// appear outside string literals in a read-only query.
// Multi-word phrases are matched against whitespace-collapsed text.
var forbiddenKeywords = []string{
	"DETACH DELETE",
	"CREATE INDEX",
	"CREATE CONSTRAINT",
	"CREATE DATABASE",
	"USING PERIODIC COMMIT",
	"LOAD CSV",
	"CREATE",
	"DELETE",
	"SET",
	"REMOVE",
	"MERGE",
	"DROP",
	"CALL",
	"YIELD",
	"FOREACH",
}

var allowedFirstKeywords = []string{"MATCH", "OPTIONAL MATCH", "WITH", "UNWIND"}

var (
	lineCommentPattern  = regexp.MustCompile(`//[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	stringLiteralPattern = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
)

const maxQueryLength = 10000

// ValidateReadOnly implements the read-only query validator.
// It returns a non-nil error naming the violated rule the first time a
// query fails any of steps 2 through 7; a nil error means query may be
// passed to GraphStore.ExecuteCypher unchanged.
func ValidateReadOnly(query string) error {
	stripped := blockCommentPattern.ReplaceAllString(query, " ")
	stripped = lineCommentPattern.ReplaceAllString(stripped, " ")
	stripped = whitespacePattern.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)

	if len(stripped) > maxQueryLength {
		return fmt.Errorf("query exceeds %d characters", maxQueryLength)
	}
	if stripped == "" {
		return fmt.Errorf("empty query")
	}

	// Step 3/7: string literals are excised from the text scanned for
	// keywords and ASCII-ness; their contents are caller data, not syntax.
	scanText := stringLiteralPattern.ReplaceAllString(stripped, " ")

	for _, r := range scanText {
		if r > 127 {
			return fmt.Errorf("non-ASCII character outside string literals")
		}
	}

	upper := strings.ToUpper(scanText)
	for _, kw := range forbiddenKeywords {
		if containsWord(upper, kw) {
			return fmt.Errorf("forbidden keyword %q", kw)
		}
	}

	firstOK := false
	for _, kw := range allowedFirstKeywords {
		if strings.HasPrefix(upper, kw+" ") || upper == kw {
			firstOK = true
			break
		}
	}
	if !firstOK {
		return fmt.Errorf("query must begin with MATCH, OPTIONAL MATCH, WITH, or UNWIND")
	}

	if !containsWord(upper, "RETURN") {
		return fmt.Errorf("query must contain RETURN")
	}
	return nil
}

// containsWord reports whether phrase appears in s at a word boundary on
// both sides. phrase is itself already upper-cased and may contain an
// internal space (e.g. "DETACH DELETE").
func containsWord(s, phrase string) bool {
	idx := 0
	for {
		pos := strings.Index(s[idx:], phrase)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordChar(rune(s[start-1]))
		afterOK := end == len(s) || !isWordChar(rune(s[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
