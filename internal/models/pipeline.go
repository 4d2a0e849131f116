package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// StatusFileName is the well-known name of the persisted pipeline state inside a document directory.
const StatusFileName = "__pipeline_status.json"

var (
	ErrNoRemainingSteps = errors.New("pipeline has no remaining steps")
	ErrNoCompletedSteps = errors.New("pipeline has no completed steps")
	ErrStepsMismatch    = errors.New("completed and remaining steps do not match the plan")
)

// UploadedFile is a caller supplied file, consumed once during upload and never persisted.
type UploadedFile struct {
	Name    string
	Content io.Reader
}

// Pipeline is the persisted plan and progress of one document within one index.
type Pipeline struct {
	Index       string        `json:"index"`
	DocumentID  string        `json:"document_id"`
	ExecutionID string        `json:"execution_id"`
	Tags        TagCollection `json:"tags"`

	Creation   time.Time `json:"creation"`
	LastUpdate time.Time `json:"last_update"`

	Steps          []Step `json:"steps"`
	RemainingSteps []Step `json:"remaining_steps"`
	CompletedSteps []Step `json:"completed_steps"`

	UploadComplete bool           `json:"upload_complete"`
	Files          []*FileDetails `json:"files"`

	// Failed is set when a step reported a permanent failure; the pipeline will not advance.
	Failed    bool   `json:"failed"`
	LastError string `json:"last_error,omitempty"`
	// ResumedAt is when a stalled pipeline was last re-enqueued.
	ResumedAt time.Time `json:"resumed_at,omitzero"`

	// PreviousExecutionsToPurge holds superseded runs of the same document so a later
	// step can delete their records. Entries never carry their own list.
	PreviousExecutionsToPurge []*Pipeline `json:"previous_executions_to_purge"`

	FilesToUpload []UploadedFile `json:"-"`
}

// Then appends a step to the plan. Use Build once all steps are declared.
func (p *Pipeline) Then(steps ...Step) *Pipeline {
	p.Steps = append(p.Steps, steps...)
	return p
}

// Build freezes the plan: every declared step becomes a remaining step.
func (p *Pipeline) Build() *Pipeline {
	p.RemainingSteps = slices.Clone(p.Steps)
	p.CompletedSteps = []Step{}
	p.LastUpdate = time.Now().UTC()
	return p
}

func (p *Pipeline) Complete() bool {
	return len(p.RemainingSteps) == 0
}

// CurrentStep returns the first remaining step.
func (p *Pipeline) CurrentStep() (Step, bool) {
	if len(p.RemainingSteps) == 0 {
		return "", false
	}
	return p.RemainingSteps[0], true
}

// MoveToNextStep marks the current step as completed.
func (p *Pipeline) MoveToNextStep() error {
	if len(p.RemainingSteps) == 0 {
		return ErrNoRemainingSteps
	}
	p.CompletedSteps = append(p.CompletedSteps, p.RemainingSteps[0])
	p.RemainingSteps = slices.Clone(p.RemainingSteps[1:])
	p.LastUpdate = time.Now().UTC()
	return nil
}

// RollbackToPreviousStep undoes the last MoveToNextStep.
func (p *Pipeline) RollbackToPreviousStep() error {
	n := len(p.CompletedSteps)
	if n == 0 {
		return ErrNoCompletedSteps
	}
	last := p.CompletedSteps[n-1]
	p.CompletedSteps = slices.Clone(p.CompletedSteps[:n-1])
	p.RemainingSteps = append([]Step{last}, p.RemainingSteps...)
	p.LastUpdate = time.Now().UTC()
	return nil
}

// LastCompletedStep returns the most recently completed step.
func (p *Pipeline) LastCompletedStep() (Step, bool) {
	if len(p.CompletedSteps) == 0 {
		return "", false
	}
	return p.CompletedSteps[len(p.CompletedSteps)-1], true
}

// Validate checks that completed ++ remaining equals the declared plan.
func (p *Pipeline) Validate() error {
	if len(p.CompletedSteps)+len(p.RemainingSteps) != len(p.Steps) {
		return fmt.Errorf("%w: %d completed + %d remaining != %d steps",
			ErrStepsMismatch, len(p.CompletedSteps), len(p.RemainingSteps), len(p.Steps))
	}
	for i, s := range p.CompletedSteps {
		if p.Steps[i] != s {
			return fmt.Errorf("%w: completed step %d is %q, expected %q", ErrStepsMismatch, i, s, p.Steps[i])
		}
	}
	offset := len(p.CompletedSteps)
	for i, s := range p.RemainingSteps {
		if p.Steps[offset+i] != s {
			return fmt.Errorf("%w: remaining step %d is %q, expected %q", ErrStepsMismatch, i, s, p.Steps[offset+i])
		}
	}
	return nil
}

func (p *Pipeline) IsDocumentDeletionPipeline() bool {
	return len(p.Steps) == 1 && p.Steps[0] == StepDeleteDocument
}

func (p *Pipeline) IsIndexDeletionPipeline() bool {
	return len(p.Steps) == 1 && p.Steps[0] == StepDeleteIndex
}

// GetFile returns the source file with the given id, or nil.
func (p *Pipeline) GetFile(id string) *FileDetails {
	for _, f := range p.Files {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// AddPreviousExecution folds prev, and whatever prev still had to purge, into the list of
// executions to purge. The list stays flat, is deduplicated by execution id, never contains
// the current execution and keeps at most limit entries (oldest dropped first; limit <= 0 means
// no cap). It returns how many entries were dropped because of the cap.
func (p *Pipeline) AddPreviousExecution(prev *Pipeline, limit int) int {
	if prev == nil {
		return 0
	}
	candidates := make([]*Pipeline, 0, len(prev.PreviousExecutionsToPurge)+1)
	candidates = append(candidates, prev.PreviousExecutionsToPurge...)
	candidates = append(candidates, prev)

	seen := make(map[string]bool, len(p.PreviousExecutionsToPurge)+len(candidates))
	seen[p.ExecutionID] = true
	for _, x := range p.PreviousExecutionsToPurge {
		seen[x.ExecutionID] = true
	}
	for _, c := range candidates {
		if c == nil || seen[c.ExecutionID] {
			continue
		}
		seen[c.ExecutionID] = true
		p.PreviousExecutionsToPurge = append(p.PreviousExecutionsToPurge, c.snapshot())
	}

	dropped := 0
	if limit > 0 && len(p.PreviousExecutionsToPurge) > limit {
		dropped = len(p.PreviousExecutionsToPurge) - limit
		p.PreviousExecutionsToPurge = slices.Clone(p.PreviousExecutionsToPurge[dropped:])
	}
	return dropped
}

func (p *Pipeline) snapshot() *Pipeline {
	c := *p
	c.PreviousExecutionsToPurge = []*Pipeline{}
	c.FilesToUpload = nil
	return &c
}

// Pointer returns the minimal projection sent through queues.
func (p *Pipeline) Pointer() Pointer {
	return Pointer{
		Index:       p.Index,
		DocumentID:  p.DocumentID,
		ExecutionID: p.ExecutionID,
		Steps:       slices.Clone(p.Steps),
	}
}

type pipelineJSON Pipeline

// MarshalJSON adds the derived "complete" flag to the persisted form.
func (p *Pipeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		*pipelineJSON
		Complete bool `json:"complete"`
	}{
		pipelineJSON: (*pipelineJSON)(p),
		Complete:     p.Complete(),
	})
}

// Pointer references a pipeline without carrying its state.
type Pointer struct {
	Index       string `json:"index"`
	DocumentID  string `json:"document_id"`
	ExecutionID string `json:"execution_id"`
	Steps       []Step `json:"steps"`
}

func (ptr Pointer) HasStep(s Step) bool {
	return containsStep(ptr.Steps, s)
}

// DecodePointer parses a queue payload. Payloads missing the identity fields are rejected.
func DecodePointer(payload []byte) (Pointer, error) {
	var ptr Pointer
	if err := json.Unmarshal(payload, &ptr); err != nil {
		return Pointer{}, fmt.Errorf("failed to unmarshal pipeline pointer: %w", err)
	}
	if ptr.Index == "" || ptr.ExecutionID == "" {
		return Pointer{}, fmt.Errorf("invalid pipeline pointer: missing index or execution id")
	}
	return ptr, nil
}

// DataPipelineStatus is the read-only projection returned to API callers.
type DataPipelineStatus struct {
	Completed      bool          `json:"completed"`
	Failed         bool          `json:"failed"`
	Empty          bool          `json:"empty"`
	Index          string        `json:"index"`
	DocumentID     string        `json:"document_id"`
	Tags           TagCollection `json:"tags"`
	Creation       time.Time     `json:"creation"`
	LastUpdate     time.Time     `json:"last_update"`
	Steps          []Step        `json:"steps"`
	RemainingSteps []Step        `json:"remaining_steps"`
	CompletedSteps []Step        `json:"completed_steps"`
}

func (p *Pipeline) Summary() *DataPipelineStatus {
	return &DataPipelineStatus{
		Completed:      p.Complete(),
		Failed:         p.Failed,
		Empty:          len(p.Files) == 0,
		Index:          p.Index,
		DocumentID:     p.DocumentID,
		Tags:           p.Tags.Clone(),
		Creation:       p.Creation,
		LastUpdate:     p.LastUpdate,
		Steps:          slices.Clone(p.Steps),
		RemainingSteps: slices.Clone(p.RemainingSteps),
		CompletedSteps: slices.Clone(p.CompletedSteps),
	}
}
