package config

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

// PipelineConfig holds orchestration settings. Environment variables set the
// defaults; PIPELINE_CONFIG_FILE may point at a YAML file overriding them.
type PipelineConfig struct {
	// Mode is inprocess or distributed.
	Mode                  string        `yaml:"mode"`
	DefaultSteps          []string      `yaml:"default_steps"`
	MaxPreviousExecutions int           `yaml:"max_previous_executions"`
	IndentStatus          bool          `yaml:"indent_status"`
	StallAfter            time.Duration `yaml:"stall_after"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`

	PartitionMaxWords    int `yaml:"partition_max_words"`
	PartitionOverlap     int `yaml:"partition_overlap"`
	EmbeddingConcurrency int `yaml:"embedding_concurrency"`

	SearchLimit  int     `yaml:"search_limit"`
	MinRelevance float64 `yaml:"min_relevance"`
}

func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		loadEnv()
		cfg := defaultPipelineConfig()
		if path := getEnv("PIPELINE_CONFIG_FILE", ""); path != "" {
			if err := cfg.loadFile(path); err != nil {
				log.Printf("Warning: %v, keeping environment settings", err)
			}
		}
		pipelineConfig = cfg
	})
	return pipelineConfig
}

func defaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Mode:                  getEnv("PIPELINE_MODE", "distributed"),
		DefaultSteps:          getEnvList("PIPELINE_DEFAULT_STEPS", []string{"extract", "partition", "gen_embeddings", "save_records"}),
		MaxPreviousExecutions: getEnvInt("PIPELINE_MAX_PREVIOUS_EXECUTIONS", 10),
		IndentStatus:          getEnvBool("PIPELINE_INDENT_STATUS", true),
		StallAfter:            getEnvDuration("PIPELINE_STALL_AFTER", 10*time.Minute),
		ReconcileInterval:     getEnvDuration("PIPELINE_RECONCILE_INTERVAL", time.Minute),
		PartitionMaxWords:     getEnvInt("PARTITION_MAX_WORDS", 300),
		PartitionOverlap:      getEnvInt("PARTITION_OVERLAP_WORDS", 30),
		EmbeddingConcurrency:  getEnvInt("EMBEDDING_CONCURRENCY", 4),
		SearchLimit:           getEnvInt("SEARCH_LIMIT", 5),
		MinRelevance:          0,
	}
}

// loadFile overlays the non-zero values found in a YAML file.
func (c *PipelineConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	return c.validate()
}

func (c *PipelineConfig) validate() error {
	if c.Mode != "inprocess" && c.Mode != "distributed" {
		return fmt.Errorf("invalid pipeline mode %q", c.Mode)
	}
	if c.PartitionOverlap >= c.PartitionMaxWords {
		return fmt.Errorf("partition overlap %d must be smaller than max words %d", c.PartitionOverlap, c.PartitionMaxWords)
	}
	return nil
}
