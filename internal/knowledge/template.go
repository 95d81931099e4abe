package knowledge

import (
	"encoding/json"
	"fmt"
)

// ActionTemplate is the structured content of an artifact: the generalized
// action plus enough context for a handler to replay it.
type ActionTemplate struct {
	Action        string       `json:"action"`
	SourceAgent   string       `json:"source_agent"`
	ArtifactType  ArtifactType `json:"artifact_type"`
	ExampleAction string       `json:"example_action,omitempty"`
	ExampleDetail string       `json:"example_detail,omitempty"`
	SampleTaskIDs []string     `json:"sample_task_ids,omitempty"`
}

// MaxSampleTaskIDs bounds how many originating task ids a template keeps.
const MaxSampleTaskIDs = 5

// Encode renders the template as the JSON stored in Artifact.Content.
func (t ActionTemplate) Encode() (string, error) {
	if len(t.SampleTaskIDs) > MaxSampleTaskIDs {
		t.SampleTaskIDs = t.SampleTaskIDs[:MaxSampleTaskIDs]
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeTemplate parses artifact content back into a template.
func DecodeTemplate(content string) (ActionTemplate, error) {
	var t ActionTemplate
	if err := json.Unmarshal([]byte(content), &t); err != nil {
		return ActionTemplate{}, fmt.Errorf("decode action template: %w", err)
	}
	return t, nil
}

// LintInput contains parameters for linting artifact content.
type LintInput struct {
	Content  string
	MaxChars int
}

// LintResult contains the results of linting artifact content.
type LintResult struct {
	Valid       bool
	Empty       bool
	TooLarge    bool
	ActualChars int
	MaxChars    int
}

// Lint validates artifact content before it is persisted.
func Lint(input LintInput) *LintResult {
	result := &LintResult{
		Valid:       true,
		ActualChars: CountChars(input.Content),
		MaxChars:    input.MaxChars,
	}

	if result.ActualChars == 0 {
		result.Empty = true
		result.Valid = false
	}

	if input.MaxChars > 0 && result.ActualChars > input.MaxChars {
		result.TooLarge = true
		result.Valid = false
	}

	return result
}
