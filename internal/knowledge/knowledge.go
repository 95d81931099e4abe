// Package knowledge holds the domain model shared by the store and the
// operations: logged records, knowledge categories and candidate artifacts.
package knowledge

// RecordType classifies what produced a Record. It also decides the type of
// any artifact distilled from it.
type RecordType string

const (
	RecordTask       RecordType = "task"
	RecordQA         RecordType = "qa"
	RecordSolution   RecordType = "solution"
	RecordExtraction RecordType = "extraction"
	RecordEvaluation RecordType = "evaluation"
	RecordAssignment RecordType = "assignment"
	RecordCompletion RecordType = "completion"
)

// RecordTypes lists every accepted record type.
var RecordTypes = []RecordType{
	RecordTask, RecordQA, RecordSolution, RecordExtraction,
	RecordEvaluation, RecordAssignment, RecordCompletion,
}

// ValidRecordType reports whether t is a known record type.
func ValidRecordType(t RecordType) bool {
	for _, known := range RecordTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Bookkeeping reports whether t is written by the core while it routes a
// task. Such records trace the pipeline and are never distilled.
func (t RecordType) Bookkeeping() bool {
	return t == RecordEvaluation || t == RecordAssignment || t == RecordCompletion
}

// Source agents written by the core itself.
const (
	AgentEvaluator = "evaluator"
	AgentRouter    = "router"
)

// Result is the structured outcome carried by a Record.
type Result struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Record is a logged unit of agent activity or raw input.
// Once Sanitized is true the record is never modified again.
type Record struct {
	ID           string     `json:"id"`
	SourceAgent  string     `json:"source_agent"`
	TaskID       string     `json:"task_id"`
	RecordType   RecordType `json:"record_type"`
	Action       string     `json:"action"`
	Result       Result     `json:"result"`
	CreatedAt    int64      `json:"created_at"`
	Sanitized    bool       `json:"sanitized"`
	CategoryTags []string   `json:"category_tags,omitempty"`
}

// Category is a named bucket of domain knowledge owned by a handler.
type Category struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OwnerHandler   string `json:"owner_handler"`
	Description    string `json:"description,omitempty"`
	KnowledgeCount int    `json:"knowledge_count"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// State is the approval state of a candidate artifact.
type State string

const (
	StatePending      State = "pending"
	StateApproved     State = "approved"
	StateAutoApproved State = "auto_approved"
	StateRejected     State = "rejected"
)

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s != StatePending
}

// Effective reports whether an artifact in state s is part of its category's
// knowledge set.
func (s State) Effective() bool {
	return s == StateApproved || s == StateAutoApproved
}

// ArtifactType is the kind of knowledge an artifact was distilled from.
type ArtifactType string

const (
	ArtifactTask       ArtifactType = "task"
	ArtifactQA         ArtifactType = "qa"
	ArtifactSolution   ArtifactType = "solution"
	ArtifactExtraction ArtifactType = "extraction"
)

// ArtifactTypeFor maps a record type onto the artifact type it yields.
func ArtifactTypeFor(t RecordType) ArtifactType {
	switch t {
	case RecordQA:
		return ArtifactQA
	case RecordSolution:
		return ArtifactSolution
	case RecordExtraction:
		return ArtifactExtraction
	default:
		return ArtifactTask
	}
}

// RequiresApproval is fixed per artifact type at creation: Q&A and solution
// artifacts are auto-approved, everything else waits for a reviewer.
func (t ArtifactType) RequiresApproval() bool {
	return t != ArtifactQA && t != ArtifactSolution
}

// Artifact is a distilled, possibly repeated action pattern.
type Artifact struct {
	ID               string       `json:"id"`
	CategoryID       string       `json:"category_id"`
	CategoryName     string       `json:"category,omitempty"`
	OriginTaskID     string       `json:"origin_task_id"`
	ArtifactType     ArtifactType `json:"artifact_type"`
	Content          string       `json:"content"`
	ContentNorm      string       `json:"content_norm"`
	OriginSignature  string       `json:"origin_signature"`
	SignalStrength   int          `json:"signal_strength"`
	RequiresApproval bool         `json:"requires_approval"`
	State            State        `json:"state"`
	CreatedAt        int64        `json:"created_at"`
	DecidedAt        *int64       `json:"decided_at,omitempty"`
	LastSeenAt       int64        `json:"last_seen_at"`
}
