package models

import "sort"

// ArtifactType classifies files generated by pipeline steps.
type ArtifactType string

const (
	ArtifactUndefined           ArtifactType = ""
	ArtifactExtractedText       ArtifactType = "extracted_text"
	ArtifactExtractedContent    ArtifactType = "extracted_content"
	ArtifactTextPartition       ArtifactType = "text_partition"
	ArtifactTextEmbeddingVector ArtifactType = "text_embedding_vector"
	ArtifactSyntheticData       ArtifactType = "synthetic_data"
)

// FileDetails describes one uploaded source file and everything generated from it.
type FileDetails struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Size     int64         `json:"size"`
	MimeType string        `json:"mime_type"`
	Tags     TagCollection `json:"tags"`

	// ProcessedBy lists the steps that already handled this file
	ProcessedBy []Step `json:"processed_by"`

	GeneratedFiles map[string]*GeneratedFileDetails `json:"generated_files"`
}

// GeneratedFileDetails describes an artifact derived from a source file.
type GeneratedFileDetails struct {
	FileDetails

	ParentID          string       `json:"parent_id"`
	SourcePartitionID string       `json:"source_partition_id,omitempty"`
	ArtifactType      ArtifactType `json:"artifact_type"`
	PartitionNumber   int          `json:"partition_number"`
	SectionNumber     int          `json:"section_number"`
	ContentSHA256     string       `json:"content_sha256,omitempty"`
}

func (f *FileDetails) AlreadyProcessedBy(step Step) bool {
	return containsStep(f.ProcessedBy, step)
}

func (f *FileDetails) MarkProcessedBy(step Step) {
	if !f.AlreadyProcessedBy(step) {
		f.ProcessedBy = append(f.ProcessedBy, step)
	}
}

// AddGeneratedFile registers or replaces an artifact, keyed by file name so reruns overwrite.
func (f *FileDetails) AddGeneratedFile(g *GeneratedFileDetails) {
	if f.GeneratedFiles == nil {
		f.GeneratedFiles = make(map[string]*GeneratedFileDetails)
	}
	g.ParentID = f.ID
	f.GeneratedFiles[g.Name] = g
}

// GeneratedFilesOfType returns artifacts of the given type ordered by section, partition and name.
func (f *FileDetails) GeneratedFilesOfType(t ArtifactType) []*GeneratedFileDetails {
	var out []*GeneratedFileDetails
	for _, g := range f.GeneratedFiles {
		if g.ArtifactType == t {
			out = append(out, g)
		}
	}
	sortGenerated(out)
	return out
}

func sortGenerated(files []*GeneratedFileDetails) {
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.SectionNumber != b.SectionNumber {
			return a.SectionNumber < b.SectionNumber
		}
		if a.PartitionNumber != b.PartitionNumber {
			return a.PartitionNumber < b.PartitionNumber
		}
		return a.Name < b.Name
	})
}
