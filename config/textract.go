package config

import (
	"sync"
)

var (
	textractOnce   sync.Once
	textractConfig *TextractConfig
)

// TextractConfig enables AWS Textract OCR for images when Enabled is set;
// otherwise images go through local tesseract.
type TextractConfig struct {
	Enabled   bool
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func GetTextractConfig() *TextractConfig {
	textractOnce.Do(func() {
		loadEnv()
		textractConfig = &TextractConfig{
			Enabled:   getEnvBool("TEXTRACT_ENABLED", false),
			Region:    getEnv("AWS_REGION", "us-east-1"),
			Endpoint:  getEnv("AWS_ENDPOINT", ""),
			AccessKey: getEnv("AWS_ACCESS_KEY", ""),
			SecretKey: getEnv("AWS_SECRET_KEY", ""),
		}
	})
	return textractConfig
}
