package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/jobs"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// sourceMetadataKey tags every VectorStore payload the Indexer creates, so
// ClearIndex can target exactly indexer-owned rows.
const sourceMetadataKey = "source"
const sourceMetadataValue = "indexer"

// Indexer implements the Indexer orchestrator. It parses
// files into Function/Component memories, tracks content hashes for
// incremental reindexing, and materializes IMPORTS/CALLS relationships.
type Indexer struct {
	parser  Parser
	manager *memory.Manager
	graph   storage.GraphStore
	vec     storage.VectorStore
	jobs    *jobs.Registry
	root    string

	mu     sync.Mutex
	hashes map[string]string
}

func New(parser Parser, manager *memory.Manager, graph storage.GraphStore, vec storage.VectorStore, jobRegistry *jobs.Registry, projectRoot string) *Indexer {
	return &Indexer{
		parser:  parser,
		manager: manager,
		graph:   graph,
		vec:     vec,
		jobs:    jobRegistry,
		root:    projectRoot,
		hashes:  make(map[string]string),
	}
}

// ContentHash computes sha256(path || 0x00 || bytes) as hex.
func ContentHash(path string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// ResolvePath validates that path, once made absolute, is contained within
// the configured project root.
func (ix *Indexer) ResolvePath(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(ix.root, path)
	}
	abs = filepath.Clean(abs)
	rootAbs := filepath.Clean(ix.root)
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", corerr.New(corerr.KindValidation, fmt.Sprintf("path %q escapes project root", path))
	}
	return abs, nil
}

// FileResult is the outcome of indexing one file.
type FileResult struct {
	Status             string // "indexed" | "skipped" | "error"
	FunctionsIndexed   int
	ComponentsIndexed  int
	Errors             []string
}

// IndexFile reads, hashes, parses, and stores one file's entities. The
// content hash short-circuits unchanged files unless force is set.
func (ix *Indexer) IndexFile(ctx context.Context, path string, force bool) (FileResult, error) {
	abs, err := ix.ResolvePath(path)
	if err != nil {
		return FileResult{}, err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return FileResult{}, corerr.Wrap(corerr.KindInternal, err, "failed to read file")
	}
	hash := ContentHash(abs, content)

	ix.mu.Lock()
	prev, seen := ix.hashes[abs]
	ix.mu.Unlock()
	if seen && prev == hash && !force {
		return FileResult{Status: "skipped"}, nil
	}

	ext := filepath.Ext(abs)
	if !ix.parser.SupportsExtension(ext) {
		ix.mu.Lock()
		ix.hashes[abs] = hash
		ix.mu.Unlock()
		return FileResult{Status: "skipped"}, nil
	}

	parsed, err := ix.parser.Parse(abs, content)
	if err != nil {
		return FileResult{Status: "error", Errors: []string{err.Error()}}, nil
	}

	result := FileResult{Status: "indexed"}
	result.Errors = append(result.Errors, parsed.Errors...)

	componentIDs := make(map[string]types.MemoryID)

	for _, fn := range parsed.Functions {
		if err := ix.indexFunction(ctx, fn, parsed.Language, ""); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.FunctionsIndexed++
	}

	for _, cls := range parsed.Classes {
		compID, err := ix.indexClass(ctx, cls, parsed.Language)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.ComponentsIndexed++
		componentIDs[cls.Name] = compID
		for _, m := range cls.Methods {
			if err := ix.indexFunction(ctx, m, parsed.Language, compID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.FunctionsIndexed++
		}
	}

	ix.materializeImports(ctx, parsed)

	ix.mu.Lock()
	ix.hashes[abs] = hash
	ix.mu.Unlock()

	return result, nil
}

func (ix *Indexer) indexFunction(ctx context.Context, fn FunctionInfo, language string, containingClass types.MemoryID) error {
	content := fn.Signature
	if fn.Docstring != "" {
		content += "\n" + fn.Docstring
	}
	startLine := max1(fn.StartLine)
	endLine := max1(fn.EndLine)
	if endLine < startLine {
		endLine = startLine
	}
	mem := &types.BaseMemory{
		Kind:            types.KindFunction,
		Content:         content,
		Name:            fn.Name,
		Signature:       fn.Signature,
		FilePath:        fn.FilePath,
		StartLine:       startLine,
		EndLine:         endLine,
		Language:        language,
		ContainingClass: containingClass,
	}
	mem.SetMeta(sourceMetadataKey, sourceMetadataValue)
	mem.SetMeta("is_async", fn.IsAsync)
	mem.SetMeta("is_method", fn.IsMethod)
	mem.SetMeta("is_static", fn.IsStatic)
	mem.SetMeta("is_classmethod", fn.IsClassMethod)
	mem.SetMeta("is_property", fn.IsProperty)
	mem.SetMeta("decorators", fn.Decorators)
	mem.SetMeta("return_type", fn.ReturnType)
	if len(fn.CallNames) > 0 {
		mem.SetMeta("call_names", fn.CallNames)
	}
	_, err := ix.manager.Add(ctx, mem, false, true)
	return err
}

func (ix *Indexer) indexClass(ctx context.Context, cls ClassInfo, language string) (types.MemoryID, error) {
	content := fmt.Sprintf("class %s", cls.Name)
	if cls.Docstring != "" {
		content += "\n" + cls.Docstring
	}
	for _, m := range cls.Methods {
		content += "\n" + m.Signature
	}

	publicInterface := map[string]interface{}{}
	var methodNames []string
	for _, m := range cls.Methods {
		if strings.HasPrefix(m.Name, "_") {
			continue
		}
		methodNames = append(methodNames, m.Name)
	}
	publicInterface["methods"] = methodNames
	publicInterface["class_variables"] = cls.ClassVariables

	mem := &types.BaseMemory{
		Kind:            types.KindComponent,
		Content:         content,
		ComponentID:     cls.Name,
		ComponentType:   inferComponentType(cls),
		Name:            cls.Name,
		FilePath:        cls.FilePath,
		PublicInterface: publicInterface,
	}
	mem.SetMeta(sourceMetadataKey, sourceMetadataValue)
	mem.SetMeta("is_abstract", cls.IsAbstract)
	mem.SetMeta("is_dataclass", cls.IsDataclass)

	if _, err := ix.manager.Add(ctx, mem, false, true); err != nil {
		return "", err
	}
	return mem.ID, nil
}

// inferComponentType maps a class to a ComponentType by naming convention:
// a name containing "Service" -> Service, "Agent"/"Worker" -> Agent;
// abstract classes stay Library.
func inferComponentType(cls ClassInfo) string {
	switch {
	case cls.IsAbstract:
		return "Library"
	case strings.Contains(cls.Name, "Service"):
		return "Service"
	case strings.Contains(cls.Name, "Agent"), strings.Contains(cls.Name, "Worker"):
		return "Agent"
	case strings.Contains(cls.Name, "CLI"):
		return "CLI"
	case strings.Contains(cls.Name, "Adapter"):
		return "Adapter"
	default:
		return "Library"
	}
}

// materializeImports is best-effort: for each import, look up a Component
// whose component_id matches the imported symbol's tail.
func (ix *Indexer) materializeImports(ctx context.Context, parsed ParseResult) {
	for _, imp := range parsed.Imports {
		tail := imp.Module
		if idx := strings.LastIndex(tail, "."); idx >= 0 {
			tail = tail[idx+1:]
		}
		if idx := strings.LastIndex(tail, "/"); idx >= 0 {
			tail = tail[idx+1:]
		}
		hits, err := ix.vec.Scroll(ctx, types.KindComponent.Collection(), storage.Filter{"component_id": tail, "deleted": false}, 1, 0)
		if err != nil || len(hits) == 0 {
			continue
		}
		if err := ix.graph.CreateRelationship(ctx, parsed.FilePath, hits[0].ID, types.RelImports, map[string]interface{}{
			"line":        imp.Line,
			"is_relative": imp.IsRelative,
		}); err != nil {
			slog.Debug("indexer: import relationship skipped",
				"source", parsed.FilePath, "target", hits[0].ID, "module", imp.Module, "error", err)
		}
	}
}

// MaterializeCalls scans recorded call names against a function_name -> id
// map built from every function indexed in the run, after all files in a
// directory have been indexed. Missing targets are
// silently skipped.
func (ix *Indexer) MaterializeCalls(ctx context.Context, functionsByName map[string]types.MemoryID, calls map[types.MemoryID][]string) {
	for callerID, names := range calls {
		for _, name := range names {
			targetID, ok := functionsByName[name]
			if !ok || targetID == callerID {
				continue
			}
			if err := ix.graph.CreateRelationship(ctx, string(callerID), string(targetID), types.RelCalls, nil); err != nil {
				slog.Debug("indexer: call relationship skipped",
					"caller", callerID, "callee", targetID, "name", name, "error", err)
			}
		}
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
