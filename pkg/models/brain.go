package models

// BrainResponseKind is the closed set of response shapes an agent brain
// may return. Dispatch on it must be exhaustive so a new kind is a
// compile-time-visible change.
type BrainResponseKind string

const (
	// ResponseWorkItems proposes new work items to enqueue.
	ResponseWorkItems BrainResponseKind = "work_items"
	// ResponseFileWrites declares files for the workspace runner to write.
	ResponseFileWrites BrainResponseKind = "file_writes"
	// ResponseHostOperations declares hosting operations to perform.
	ResponseHostOperations BrainResponseKind = "github_operations"
	// ResponseError reports that the brain could not produce a plan.
	ResponseError BrainResponseKind = "error"
)

// Valid returns true if the kind is a known value.
func (k BrainResponseKind) Valid() bool {
	switch k {
	case ResponseWorkItems, ResponseFileWrites, ResponseHostOperations, ResponseError:
		return true
	default:
		return false
	}
}

// WorkItemSpec describes a new work item proposed by a brain.
type WorkItemSpec struct {
	// WorkType is the classification tag for the new item.
	WorkType string `json:"work_type"`
	// AgentKey is the advisory agent assignment.
	AgentKey string `json:"executor_key,omitempty"`
	// Priority is 1-10; zero means DefaultPriority.
	Priority int `json:"priority,omitempty"`
	// Payload is the structured data for the new item.
	Payload map[string]any `json:"payload,omitempty"`
}

// FileWrite declares one file the workspace runner should write.
type FileWrite struct {
	// Path is the repository-relative file path.
	Path string `json:"path"`
	// Content is the full new file content.
	Content string `json:"content"`
}

// HostOperation declares one hosting-side operation (e.g. a comment).
type HostOperation struct {
	// Op names the operation kind.
	Op string `json:"op"`
	// Args carries operation-specific arguments.
	Args map[string]any `json:"args,omitempty"`
}

// BrainResponse is the schema-validated output of an agent brain for
// one work item.
type BrainResponse struct {
	// Kind selects which of the payload fields is populated.
	Kind BrainResponseKind `json:"kind"`
	// WorkItems is set when Kind is work_items; must be non-empty.
	WorkItems []WorkItemSpec `json:"work_items,omitempty"`
	// FileWrites is set when Kind is file_writes; must be non-empty.
	FileWrites []FileWrite `json:"file_writes,omitempty"`
	// Operations is set when Kind is github_operations; must be non-empty.
	Operations []HostOperation `json:"github_operations,omitempty"`
	// Error is set when Kind is error.
	Error string `json:"error,omitempty"`
	// CommitMessage optionally overrides the generated commit message.
	CommitMessage string `json:"commit_message,omitempty"`
	// Title optionally sets the review request title.
	Title string `json:"title,omitempty"`
	// Body optionally sets the review request body.
	Body string `json:"body,omitempty"`
}
