package config

import (
	"sync"
)

var (
	aiOnce   sync.Once
	aiConfig *AIConfig
)

// AIConfig configures the embedding and text generation endpoint plus the
// badger directory backing the memory DB.
type AIConfig struct {
	BaseURL        string
	APIKey         string
	EmbeddingModel string
	TextModel      string
	// MaxTokens bounds answers produced by Ask and summaries.
	MaxTokens int

	MemoryDBPath     string
	MemoryDBInMemory bool
}

func GetAIConfig() *AIConfig {
	aiOnce.Do(func() {
		loadEnv()
		aiConfig = &AIConfig{
			BaseURL:          getEnv("OPENAI_BASE_URL", ""),
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:   getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			TextModel:        getEnv("OPENAI_TEXT_MODEL", "gpt-4o-mini"),
			MaxTokens:        getEnvInt("OPENAI_MAX_TOKENS", 1024),
			MemoryDBPath:     getEnv("MEMORY_DB_PATH", "data/memory"),
			MemoryDBInMemory: getEnvBool("MEMORY_DB_IN_MEMORY", false),
		}
	})
	return aiConfig
}
