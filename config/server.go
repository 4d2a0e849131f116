package config

import (
	"sync"
	"time"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	AllowedOrigins  []string

	LogLevel    string
	LogEncoding string
	LogFile     string
	ErrorLog    string
}

func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()
		serverConfig = &ServerConfig{
			Addr:            getEnv("SERVER_ADDR", ":8080"),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
			MaxUploadBytes:  int64(getEnvInt("SERVER_MAX_UPLOAD_MB", 32)) << 20,
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogEncoding:     getEnv("LOG_ENCODING", "json"),
			LogFile:         getEnv("LOG_FILE", ""),
			ErrorLog:        getEnv("LOG_ERROR_FILE", ""),
		}
	})
	return serverConfig
}
