package models

// Step is the name of one unit of pipeline work. Step names double as queue topics.
type Step string

const (
	StepExtract              Step = "extract"
	StepPartition            Step = "partition"
	StepGenEmbeddings        Step = "gen_embeddings"
	StepSaveRecords          Step = "save_records"
	StepSummarize            Step = "summarize"
	StepDeleteGeneratedFiles Step = "delete_generated_files"

	// deletion steps are reserved and never requested by callers directly
	StepDeleteDocument Step = "private_delete_document"
	StepDeleteIndex    Step = "private_delete_index"
)

// DefaultSteps is the ingestion plan used when an upload does not name its own steps.
var DefaultSteps = []Step{StepExtract, StepPartition, StepGenEmbeddings, StepSaveRecords}

func (s Step) String() string { return string(s) }

// ParseSteps converts raw step names, ignoring blanks.
func ParseSteps(names []string) []Step {
	steps := make([]Step, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		steps = append(steps, Step(n))
	}
	return steps
}

func containsStep(steps []Step, s Step) bool {
	for _, x := range steps {
		if x == s {
			return true
		}
	}
	return false
}
