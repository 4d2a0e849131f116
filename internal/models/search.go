package models

import "time"

// Partition is one retrieved chunk of a source document.
type Partition struct {
	Text            string        `json:"text"`
	Relevance       float64       `json:"relevance"`
	PartitionNumber int           `json:"partition_number"`
	SectionNumber   int           `json:"section_number"`
	LastUpdate      time.Time     `json:"last_update"`
	Tags            TagCollection `json:"tags"`
}

// Citation groups the partitions retrieved from one source file.
type Citation struct {
	Index             string       `json:"index"`
	DocumentID        string       `json:"document_id"`
	FileID            string       `json:"file_id"`
	Link              string       `json:"link"`
	SourceContentType string       `json:"source_content_type"`
	SourceName        string       `json:"source_name"`
	SourceURL         string       `json:"source_url,omitempty"`
	Partitions        []*Partition `json:"partitions"`
}

type SearchQuery struct {
	Index        string          `json:"index"`
	Query        string          `json:"query"`
	Filters      []TagCollection `json:"filters,omitempty"`
	MinRelevance float64         `json:"min_relevance"`
	Limit        int             `json:"limit"`
}

type SearchResult struct {
	Query    string      `json:"query"`
	NoResult bool        `json:"no_result"`
	Results  []*Citation `json:"results"`
}

type MemoryQuery struct {
	Index        string          `json:"index"`
	Question     string          `json:"question"`
	Filters      []TagCollection `json:"filters,omitempty"`
	MinRelevance float64         `json:"min_relevance"`
}

type MemoryAnswer struct {
	Question        string      `json:"question"`
	NoResult        bool        `json:"no_result"`
	NoResultReason  string      `json:"no_result_reason,omitempty"`
	Text            string      `json:"text"`
	RelevantSources []*Citation `json:"relevant_sources"`
}

// IndexDetails is one entry of the index listing.
type IndexDetails struct {
	Name string `json:"name"`
}
