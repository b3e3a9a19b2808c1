package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// MemoryID is the opaque 128-bit identifier shared by a memory's VectorStore
// row and GraphStore node. It is assigned at creation and is
// stable across updates.
type MemoryID string

// NewMemoryID generates a fresh v4 MemoryID.
func NewMemoryID() MemoryID {
	return MemoryID(uuid.NewString())
}

// VectorDimension is the fixed embedding width for every memory.
const VectorDimension = 1024

// BaseMemory is the envelope shared by every MemoryKind variant.
type BaseMemory struct {
	ID        MemoryID  `json:"id"`
	Kind      MemoryKind `json:"kind"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AccessCount    uint64     `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	ImportanceScore float32 `json:"importance_score"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	SyncStatus SyncStatus `json:"sync_status"`

	// Requirements fields
	RequirementID  string `json:"requirement_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	SourceDocument string `json:"source_document,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Status         string `json:"status,omitempty"`

	// Design fields
	DesignType string `json:"design_type,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Rationale  string `json:"rationale,omitempty"`

	// CodePattern fields
	PatternName  string `json:"pattern_name,omitempty"`
	PatternType  string `json:"pattern_type,omitempty"`
	Language     string `json:"language,omitempty"`
	CodeTemplate string `json:"code_template,omitempty"`
	UsageContext string `json:"usage_context,omitempty"`

	// Component fields
	ComponentID     string                 `json:"component_id,omitempty"`
	ComponentType   string                 `json:"component_type,omitempty"`
	Name            string                 `json:"name,omitempty"`
	FilePath        string                 `json:"file_path,omitempty"`
	PublicInterface map[string]interface{} `json:"public_interface,omitempty"`
	Version         string                 `json:"version,omitempty"`

	// Function fields
	Signature       string   `json:"signature,omitempty"`
	StartLine       int      `json:"start_line,omitempty"`
	EndLine         int      `json:"end_line,omitempty"`
	ContainingClass MemoryID `json:"containing_class,omitempty"`

	// TestHistory fields
	TestName             string   `json:"test_name,omitempty"`
	TestFile              string   `json:"test_file,omitempty"`
	ExecutionTime          float64  `json:"execution_time,omitempty"`
	DesignAlignmentScore  *float64 `json:"design_alignment_score,omitempty"`
	FixCommit              string   `json:"fix_commit,omitempty"`

	// Session fields
	Summary   string     `json:"summary,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// UserPreference fields
	Category string      `json:"category,omitempty"`
	Scope    string      `json:"scope,omitempty"`
	Key      string      `json:"key,omitempty"`
	Value    interface{} `json:"value,omitempty"`

	// Normalizer bookkeeping, not part of the public schema but persisted in
	// the payload alongside everything else.
	DeletedReason string   `json:"deleted_reason,omitempty"`
	MergedInto    MemoryID `json:"merged_into,omitempty"`
}

// MetaBool reads a boolean metadata key, defaulting to false when absent or
// of the wrong type.
func (m *BaseMemory) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// SetMeta assigns a metadata key, allocating the map if necessary.
func (m *BaseMemory) SetMeta(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
}

// EmbeddingIsFallback reports the reserved metadata key set by MemoryManager
// when a fallback (non-remote) embedding was used.
func (m *BaseMemory) EmbeddingIsFallback() bool {
	return m.MetaBool("embedding_is_fallback")
}

var requirementIDPattern = regexp.MustCompile(`^REQ-[A-Z]+(-[A-Z]+)*-\d+$`)
var fixCommitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

var requirementPriorities = map[string]bool{"Critical": true, "High": true, "Medium": true, "Low": true}
var requirementStatuses = map[string]bool{"Draft": true, "Approved": true, "Implemented": true, "Deprecated": true}
var designTypes = map[string]bool{"ADR": true, "HighLevel": true, "LowLevel": true, "Interface": true, "DataModel": true}
var designStatuses = map[string]bool{"Proposed": true, "Accepted": true, "Superseded": true, "Deprecated": true}
var patternTypes = map[string]bool{"Template": true, "Idiom": true, "AntiPattern": true, "BestPractice": true}
var componentTypes = map[string]bool{"Service": true, "Library": true, "Agent": true, "CLI": true, "Adapter": true}
var testStatuses = map[string]bool{"Passed": true, "Failed": true, "Skipped": true, "Error": true}
var preferenceCategories = map[string]bool{"CodingStyle": true, "Workflow": true, "Tooling": true, "Formatting": true}
var preferenceScopes = map[string]bool{"Global": true, "Project": true, "Session": true}

// Validate checks the envelope and the required fields of the memory's kind
//. It returns the first violation found.
func (m *BaseMemory) Validate() error {
	if !m.Kind.IsValid() {
		return fieldErr("kind", "unrecognized memory kind %q", m.Kind)
	}
	if m.Content == "" {
		return fieldErr("content", "must not be empty")
	}
	if len(m.Embedding) != 0 && len(m.Embedding) != VectorDimension {
		return fieldErr("embedding", "must have %d components, got %d", VectorDimension, len(m.Embedding))
	}
	if m.ImportanceScore < 0 || m.ImportanceScore > 1 {
		return fieldErr("importance_score", "must be in [0,1]")
	}

	switch m.Kind {
	case KindRequirements:
		if !requirementIDPattern.MatchString(m.RequirementID) {
			return fieldErr("requirement_id", "must match REQ-[A-Z]+(-[A-Z]+)*-\\d+")
		}
		if m.Title == "" {
			return fieldErr("title", "must not be empty")
		}
		if m.Description == "" {
			return fieldErr("description", "must not be empty")
		}
		if m.SourceDocument == "" {
			return fieldErr("source_document", "must not be empty")
		}
		if !requirementPriorities[m.Priority] {
			return fieldErr("priority", "must be one of Critical, High, Medium, Low")
		}
		if !requirementStatuses[m.Status] {
			return fieldErr("status", "must be one of Draft, Approved, Implemented, Deprecated")
		}
	case KindDesign:
		if !designTypes[m.DesignType] {
			return fieldErr("design_type", "must be one of ADR, HighLevel, LowLevel, Interface, DataModel")
		}
		if m.Title == "" {
			return fieldErr("title", "must not be empty")
		}
		if !designStatuses[m.Status] {
			return fieldErr("status", "must be one of Proposed, Accepted, Superseded, Deprecated")
		}
	case KindCodePattern:
		if m.PatternName == "" {
			return fieldErr("pattern_name", "must not be empty")
		}
		if !patternTypes[m.PatternType] {
			return fieldErr("pattern_type", "must be one of Template, Idiom, AntiPattern, BestPractice")
		}
		if m.Language == "" {
			return fieldErr("language", "must not be empty")
		}
		if m.CodeTemplate == "" {
			return fieldErr("code_template", "must not be empty")
		}
		if m.UsageContext == "" {
			return fieldErr("usage_context", "must not be empty")
		}
	case KindComponent:
		if m.ComponentID == "" {
			return fieldErr("component_id", "must not be empty")
		}
		if !componentTypes[m.ComponentType] {
			return fieldErr("component_type", "must be one of Service, Library, Agent, CLI, Adapter")
		}
		if m.Name == "" {
			return fieldErr("name", "must not be empty")
		}
		if m.FilePath == "" {
			return fieldErr("file_path", "must not be empty")
		}
	case KindFunction:
		if m.Name == "" {
			return fieldErr("name", "must not be empty")
		}
		if m.Signature == "" {
			return fieldErr("signature", "must not be empty")
		}
		if m.FilePath == "" {
			return fieldErr("file_path", "must not be empty")
		}
		if m.StartLine < 1 {
			return fieldErr("start_line", "must be >= 1")
		}
		if m.EndLine < m.StartLine {
			return fieldErr("end_line", "must be >= start_line")
		}
		if m.Language == "" {
			return fieldErr("language", "must not be empty")
		}
	case KindTestHistory:
		if m.TestName == "" {
			return fieldErr("test_name", "must not be empty")
		}
		if m.TestFile == "" {
			return fieldErr("test_file", "must not be empty")
		}
		if !testStatuses[m.Status] {
			return fieldErr("status", "must be one of Passed, Failed, Skipped, Error")
		}
		if m.DesignAlignmentScore != nil && (*m.DesignAlignmentScore < 0 || *m.DesignAlignmentScore > 1) {
			return fieldErr("design_alignment_score", "must be in [0,1]")
		}
		if m.FixCommit != "" && !fixCommitPattern.MatchString(m.FixCommit) {
			return fieldErr("fix_commit", "must be 7-40 hex characters")
		}
	case KindSession:
		if m.Summary == "" {
			return fieldErr("summary", "must not be empty")
		}
		if m.StartTime == nil {
			return fieldErr("start_time", "must be set")
		}
	case KindUserPreference:
		if !preferenceCategories[m.Category] {
			return fieldErr("category", "must be one of CodingStyle, Workflow, Tooling, Formatting")
		}
		if !preferenceScopes[m.Scope] {
			return fieldErr("scope", "must be one of Global, Project, Session")
		}
		if m.Key == "" {
			return fieldErr("key", "must not be empty")
		}
	}
	return nil
}

// ToPayload flattens the memory into the map[string]interface{} shape stored
// alongside the vector in VectorStore and as node properties in GraphStore
//. The embedding itself is carried separately by the VectorStore
// adapters, never inside the payload.
func (m *BaseMemory) ToPayload() map[string]interface{} {
	p := map[string]interface{}{
		"id":      string(m.ID),
		"kind":    string(m.Kind),
		"content": m.Content,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
		// Numeric twin of created_at so range filters work across backends
		// without parsing timestamps.
		"created_at_unix":  m.CreatedAt.Unix(),
		"updated_at":       m.UpdatedAt.Format(time.RFC3339Nano),
		"access_count":     m.AccessCount,
		"importance_score": float64(m.ImportanceScore),
		"deleted":          m.Deleted,
		"sync_status":      string(m.SyncStatus),
	}
	if m.Metadata != nil {
		p["metadata"] = m.Metadata
	}
	if m.LastAccessedAt != nil {
		p["last_accessed_at"] = m.LastAccessedAt.Format(time.RFC3339Nano)
	}
	if m.DeletedAt != nil {
		p["deleted_at"] = m.DeletedAt.Format(time.RFC3339Nano)
	}
	setIfNotEmpty := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	setIfNotEmpty("requirement_id", m.RequirementID)
	setIfNotEmpty("title", m.Title)
	setIfNotEmpty("description", m.Description)
	setIfNotEmpty("source_document", m.SourceDocument)
	setIfNotEmpty("priority", m.Priority)
	setIfNotEmpty("status", m.Status)
	setIfNotEmpty("design_type", m.DesignType)
	setIfNotEmpty("decision", m.Decision)
	setIfNotEmpty("rationale", m.Rationale)
	setIfNotEmpty("pattern_name", m.PatternName)
	setIfNotEmpty("pattern_type", m.PatternType)
	setIfNotEmpty("language", m.Language)
	setIfNotEmpty("code_template", m.CodeTemplate)
	setIfNotEmpty("usage_context", m.UsageContext)
	setIfNotEmpty("component_id", m.ComponentID)
	setIfNotEmpty("component_type", m.ComponentType)
	setIfNotEmpty("name", m.Name)
	setIfNotEmpty("file_path", m.FilePath)
	setIfNotEmpty("version", m.Version)
	setIfNotEmpty("signature", m.Signature)
	setIfNotEmpty("test_name", m.TestName)
	setIfNotEmpty("test_file", m.TestFile)
	setIfNotEmpty("fix_commit", m.FixCommit)
	setIfNotEmpty("summary", m.Summary)
	setIfNotEmpty("category", m.Category)
	setIfNotEmpty("scope", m.Scope)
	setIfNotEmpty("key", m.Key)
	setIfNotEmpty("deleted_reason", m.DeletedReason)
	if m.PublicInterface != nil {
		p["public_interface"] = m.PublicInterface
	}
	if m.ContainingClass != "" {
		p["containing_class"] = string(m.ContainingClass)
	}
	if m.StartLine != 0 {
		p["start_line"] = m.StartLine
	}
	if m.EndLine != 0 {
		p["end_line"] = m.EndLine
	}
	if m.ExecutionTime != 0 {
		p["execution_time"] = m.ExecutionTime
	}
	if m.DesignAlignmentScore != nil {
		p["design_alignment_score"] = *m.DesignAlignmentScore
	}
	if m.StartTime != nil {
		p["start_time"] = m.StartTime.Format(time.RFC3339Nano)
	}
	if m.EndTime != nil {
		p["end_time"] = m.EndTime.Format(time.RFC3339Nano)
	}
	if m.Value != nil {
		p["value"] = m.Value
	}
	if m.MergedInto != "" {
		p["merged_into"] = string(m.MergedInto)
	}
	return p
}

// FromPayload reconstructs a BaseMemory from a VectorStore/GraphStore
// payload map, the inverse of ToPayload. The embedding is supplied
// separately by the caller (VectorStore.Get's withVector result) since it
// does not round-trip through the payload.
func FromPayload(payload map[string]interface{}) *BaseMemory {
	m := &BaseMemory{}
	m.ID = MemoryID(str(payload["id"]))
	m.Kind = MemoryKind(str(payload["kind"]))
	m.Content = str(payload["content"])
	m.CreatedAt = parseTime(payload["created_at"])
	m.UpdatedAt = parseTime(payload["updated_at"])
	m.AccessCount = toUint64(payload["access_count"])
	m.ImportanceScore = float32(toF64(payload["importance_score"]))
	m.Deleted, _ = payload["deleted"].(bool)
	m.SyncStatus = SyncStatus(str(payload["sync_status"]))
	if m.SyncStatus == "" {
		m.SyncStatus = SyncSynced
	}
	if md, ok := payload["metadata"].(map[string]interface{}); ok {
		m.Metadata = md
	}
	if v, ok := payload["last_accessed_at"]; ok {
		t := parseTime(v)
		m.LastAccessedAt = &t
	}
	if v, ok := payload["deleted_at"]; ok {
		t := parseTime(v)
		m.DeletedAt = &t
	}
	m.RequirementID = str(payload["requirement_id"])
	m.Title = str(payload["title"])
	m.Description = str(payload["description"])
	m.SourceDocument = str(payload["source_document"])
	m.Priority = str(payload["priority"])
	m.Status = str(payload["status"])
	m.DesignType = str(payload["design_type"])
	m.Decision = str(payload["decision"])
	m.Rationale = str(payload["rationale"])
	m.PatternName = str(payload["pattern_name"])
	m.PatternType = str(payload["pattern_type"])
	m.Language = str(payload["language"])
	m.CodeTemplate = str(payload["code_template"])
	m.UsageContext = str(payload["usage_context"])
	m.ComponentID = str(payload["component_id"])
	m.ComponentType = str(payload["component_type"])
	m.Name = str(payload["name"])
	m.FilePath = str(payload["file_path"])
	m.Version = str(payload["version"])
	m.Signature = str(payload["signature"])
	m.TestName = str(payload["test_name"])
	m.TestFile = str(payload["test_file"])
	m.FixCommit = str(payload["fix_commit"])
	m.Summary = str(payload["summary"])
	m.Category = str(payload["category"])
	m.Scope = str(payload["scope"])
	m.Key = str(payload["key"])
	m.DeletedReason = str(payload["deleted_reason"])
	if pi, ok := payload["public_interface"].(map[string]interface{}); ok {
		m.PublicInterface = pi
	}
	if cc := str(payload["containing_class"]); cc != "" {
		m.ContainingClass = MemoryID(cc)
	}
	m.StartLine = int(toF64(payload["start_line"]))
	m.EndLine = int(toF64(payload["end_line"]))
	m.ExecutionTime = toF64(payload["execution_time"])
	if v, ok := payload["design_alignment_score"]; ok {
		f := toF64(v)
		m.DesignAlignmentScore = &f
	}
	if v, ok := payload["start_time"]; ok {
		t := parseTime(v)
		m.StartTime = &t
	}
	if v, ok := payload["end_time"]; ok {
		t := parseTime(v)
		m.EndTime = &t
	}
	m.Value = payload["value"]
	if mi := str(payload["merged_into"]); mi != "" {
		m.MergedInto = MemoryID(mi)
	}
	return m
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toF64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

func toUint64(v interface{}) uint64 {
	return uint64(toF64(v))
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// BaseImportance returns the default importance score for the kind before
// any adjustment.
func (k MemoryKind) BaseImportance() float32 {
	switch k {
	case KindRequirements:
		return 0.80
	case KindDesign:
		return 0.70
	case KindCodePattern:
		return 0.60
	case KindUserPreference:
		return 0.50
	case KindComponent:
		return 0.50
	case KindSession:
		return 0.40
	case KindFunction:
		return 0.40
	case KindTestHistory:
		return 0.30
	default:
		return 0
	}
}

// ComputeImportance derives the importance score for a memory from its
// kind's base score, adjusted by priority for requirements.
func ComputeImportance(m *BaseMemory) float32 {
	score := m.Kind.BaseImportance()
	if m.Kind == KindRequirements {
		switch m.Priority {
		case "Critical":
			score += 0.20
		case "High":
			score += 0.10
		case "Low":
			score -= 0.10
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
