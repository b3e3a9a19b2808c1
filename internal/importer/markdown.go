package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/memento/pkg/types"
)

// ParseMarkdownMemory turns a Markdown document with optional YAML
// frontmatter into a memory record ready for import. The frontmatter's
// `memory_type` key selects the kind (default: design); remaining
// frontmatter keys fill the matching variant fields and anything left over
// lands in metadata. The body (frontmatter stripped) becomes the content.
func ParseMarkdownMemory(content []byte, relativePath string) (*types.BaseMemory, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("importer: frontmatter in %s: %w", relativePath, err)
	}

	kind := types.MemoryKind(fmString(fm, "memory_type", string(types.KindDesign)))
	if !kind.IsValid() {
		return nil, fmt.Errorf("importer: %s: unrecognized memory_type %q", relativePath, kind)
	}

	title := fmString(fm, "title", "")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(relativePath)
	}

	mem := &types.BaseMemory{
		Kind:    kind,
		Content: strings.TrimSpace(body),
		Title:   title,
	}
	if mem.Content == "" {
		mem.Content = title
	}

	switch kind {
	case types.KindDesign:
		mem.DesignType = fmString(fm, "design_type", "HighLevel")
		mem.Status = fmString(fm, "status", "Proposed")
		mem.Decision = fmString(fm, "decision", "")
		mem.Rationale = fmString(fm, "rationale", "")
	case types.KindRequirements:
		mem.RequirementID = fmString(fm, "requirement_id", "")
		mem.Description = fmString(fm, "description", mem.Content)
		mem.SourceDocument = fmString(fm, "source_document", relativePath)
		mem.Priority = fmString(fm, "priority", "Medium")
		mem.Status = fmString(fm, "status", "Draft")
	case types.KindCodePattern:
		mem.PatternName = fmString(fm, "pattern_name", title)
		mem.PatternType = fmString(fm, "pattern_type", "Idiom")
		mem.Language = fmString(fm, "language", "")
		mem.CodeTemplate = fmString(fm, "code_template", mem.Content)
		mem.UsageContext = fmString(fm, "usage_context", "")
	case types.KindSession:
		mem.Summary = fmString(fm, "summary", title)
	}

	for k, v := range fm {
		switch k {
		case "memory_type", "title", "design_type", "status", "decision", "rationale",
			"requirement_id", "description", "source_document", "priority",
			"pattern_name", "pattern_type", "language", "code_template",
			"usage_context", "summary":
		default:
			mem.SetMeta(k, v)
		}
	}
	mem.SetMeta("source_file", relativePath)
	return mem, nil
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters on
// their own lines) from the Markdown body. Returns an empty map and the full
// text when no frontmatter is present.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

func fmString(fm map[string]interface{}, key, fallback string) string {
	if v, ok := fm[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}
