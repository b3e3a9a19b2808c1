package indexer

import (
	"fmt"
	"regexp"
	"strings"
)

// Scanner is a minimal, regex-based Parser for Go and Python sources. A
// full language parser is an external collaborator the core does not own;
// this scanner exists so the Indexer has a concrete Parser to exercise
// end-to-end without pulling in a tree-sitter grammar.
type Scanner struct{}

func NewScanner() *Scanner { return &Scanner{} }

func (s *Scanner) SupportsExtension(ext string) bool {
	return ext == ".go" || ext == ".py"
}

func (s *Scanner) Parse(filePath string, content []byte) (ParseResult, error) {
	switch {
	case strings.HasSuffix(filePath, ".py"):
		return scanPython(filePath, content), nil
	case strings.HasSuffix(filePath, ".go"):
		return scanGo(filePath, content), nil
	default:
		return ParseResult{}, fmt.Errorf("indexer: unsupported file %q", filePath)
	}
}

var (
	pyDefPattern   = regexp.MustCompile(`(?m)^(\s*)(async\s+)?def\s+(\w+)\s*\(([^)]*)\)\s*(->\s*([^:]+))?:`)
	pyClassPattern = regexp.MustCompile(`(?m)^class\s+(\w+)\s*(\(([^)]*)\))?:`)
	pyImportPattern = regexp.MustCompile(`(?m)^(from\s+(\S+)\s+import\s+(\S+)|import\s+(\S+))`)
	pyDecoratorPattern = regexp.MustCompile(`(?m)^\s*@(\w+)`)
)

func scanPython(filePath string, content []byte) ParseResult {
	text := string(content)
	lines := strings.Split(text, "\n")
	result := ParseResult{FilePath: filePath, Language: "python"}

	for lineNo, line := range lines {
		if m := pyImportPattern.FindStringSubmatch(line); m != nil {
			imp := ImportInfo{Line: lineNo + 1}
			if m[2] != "" {
				imp.Module = m[2]
				imp.Name = m[3]
				imp.IsRelative = strings.HasPrefix(m[2], ".")
			} else {
				imp.Module = m[4]
			}
			result.Imports = append(result.Imports, imp)
		}
	}

	classMatches := pyClassPattern.FindAllStringSubmatchIndex(text, -1)
	classSpans := make([][2]int, 0, len(classMatches))
	for _, idx := range classMatches {
		classSpans = append(classSpans, [2]int{idx[0], idx[1]})
	}

	funcMatches := pyDefPattern.FindAllStringSubmatchIndex(text, -1)
	for _, idx := range funcMatches {
		name := text[idx[6]:idx[7]]
		params := text[idx[8]:idx[9]]
		isAsync := idx[4] != -1
		startLine := lineNumberAt(text, idx[0])
		fn := FunctionInfo{
			Name:       name,
			Signature:  fmt.Sprintf("def %s(%s)", name, strings.TrimSpace(params)),
			FilePath:   filePath,
			StartLine:  startLine,
			EndLine:    startLine,
			Parameters: splitParams(params),
			IsAsync:    isAsync,
			IsMethod:   isWithinAnySpan(idx[0], classSpans),
		}
		if idx[10] != -1 && idx[12] != -1 {
			fn.ReturnType = strings.TrimSpace(text[idx[12]:idx[13]])
		}
		if fn.IsMethod {
			fn.IsStatic = hasDecoratorBefore(text, idx[0], "staticmethod")
			fn.IsClassMethod = hasDecoratorBefore(text, idx[0], "classmethod")
			fn.IsProperty = hasDecoratorBefore(text, idx[0], "property")
		}
		if fn.IsMethod {
			cls := enclosingClassName(text, idx[0], classMatches)
			fn.ContainingClass = cls
		} else {
			result.Functions = append(result.Functions, fn)
		}
	}

	for _, idx := range classMatches {
		name := text[idx[2]:idx[3]]
		startLine := lineNumberAt(text, idx[0])
		var bases []string
		if idx[6] != -1 {
			bases = splitParams(text[idx[6]:idx[7]])
		}
		cls := ClassInfo{
			Name:      name,
			FilePath:  filePath,
			StartLine: startLine,
			EndLine:   startLine,
			Bases:     bases,
		}
		for _, idx2 := range funcMatches {
			if !isWithinSpan(idx2[0], [2]int{idx[0], idx[1]}) {
				continue
			}
			if enclosingClassName(text, idx2[0], classMatches) != name {
				continue
			}
			mname := text[idx2[6]:idx2[7]]
			mparams := text[idx2[8]:idx2[9]]
			mline := lineNumberAt(text, idx2[0])
			cls.Methods = append(cls.Methods, FunctionInfo{
				Name:            mname,
				Signature:       fmt.Sprintf("def %s(%s)", mname, strings.TrimSpace(mparams)),
				FilePath:        filePath,
				StartLine:       mline,
				EndLine:         mline,
				IsMethod:        true,
				ContainingClass: name,
			})
		}
		result.Classes = append(result.Classes, cls)
	}

	return result
}

func enclosingClassName(text string, pos int, classMatches [][]int) string {
	best := -1
	name := ""
	for _, idx := range classMatches {
		if idx[0] <= pos && idx[0] > best {
			best = idx[0]
			name = text[idx[2]:idx[3]]
		}
	}
	return name
}

func isWithinAnySpan(pos int, spans [][2]int) bool {
	for _, sp := range spans {
		if pos > sp[0] {
			return true
		}
	}
	return false
}

func isWithinSpan(pos int, span [2]int) bool {
	return pos >= span[0]
}

func hasDecoratorBefore(text string, pos int, name string) bool {
	lineStart := strings.LastIndex(text[:pos], "\n")
	searchFrom := lineStart - 200
	if searchFrom < 0 {
		searchFrom = 0
	}
	window := text[searchFrom:pos]
	matches := pyDecoratorPattern.FindAllStringSubmatch(window, -1)
	for _, m := range matches {
		if m[1] == name {
			return true
		}
	}
	return false
}

func lineNumberAt(text string, pos int) int {
	return strings.Count(text[:pos], "\n") + 1
}

func splitParams(params string) []string {
	params = strings.TrimSpace(params)
	if params == "" {
		return nil
	}
	parts := strings.Split(params, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	goFuncPattern   = regexp.MustCompile(`(?m)^func\s+(\([^)]*\)\s*)?(\w+)\s*\(([^)]*)\)\s*([^{]*)\{`)
	goImportBlockPattern = regexp.MustCompile(`(?s)import\s*\(([^)]*)\)`)
	goImportSinglePattern = regexp.MustCompile(`(?m)^import\s+"([^"]+)"`)
	goTypePattern   = regexp.MustCompile(`(?m)^type\s+(\w+)\s+struct\s*\{`)
)

func scanGo(filePath string, content []byte) ParseResult {
	text := string(content)
	result := ParseResult{FilePath: filePath, Language: "go"}

	if m := goImportBlockPattern.FindStringSubmatch(text); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			line = strings.Trim(line, `"`)
			if line == "" {
				continue
			}
			result.Imports = append(result.Imports, ImportInfo{Module: line})
		}
	}
	for _, m := range goImportSinglePattern.FindAllStringSubmatch(text, -1) {
		result.Imports = append(result.Imports, ImportInfo{Module: m[1]})
	}

	for _, idx := range goFuncPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[idx[4]:idx[5]]
		params := text[idx[6]:idx[7]]
		startLine := lineNumberAt(text, idx[0])
		isMethod := idx[2] != -1
		fn := FunctionInfo{
			Name:       name,
			Signature:  fmt.Sprintf("func %s(%s)", name, strings.TrimSpace(params)),
			FilePath:   filePath,
			StartLine:  startLine,
			EndLine:    startLine,
			Parameters: splitParams(params),
			IsMethod:   isMethod,
		}
		result.Functions = append(result.Functions, fn)
	}

	for _, idx := range goTypePattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[idx[2]:idx[3]]
		result.Classes = append(result.Classes, ClassInfo{
			Name:      name,
			FilePath:  filePath,
			StartLine: lineNumberAt(text, idx[0]),
		})
	}

	return result
}
