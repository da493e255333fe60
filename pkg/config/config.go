package config

import "os"

// Config holds worker daemon configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	ProfilePath string
	ShadowMode  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://ecosign@localhost:5432/ecosign?sslmode=disable"
	}

	// No default: an empty address selects the in-process limiter.
	redisAddr := os.Getenv("REDIS_ADDR")

	profilePath := os.Getenv("ECOSIGN_PROFILE")
	if profilePath == "" {
		profilePath = "profiles/profile_default.yaml"
	}

	shadowMode := os.Getenv("SHADOW_MODE") == "true"

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		RedisAddr:   redisAddr,
		ProfilePath: profilePath,
		ShadowMode:  shadowMode,
	}
}
