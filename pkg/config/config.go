package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds gateway configuration, loaded from environment variables
// (optionally seeded from a .env file via LoadDotenv).
type Config struct {
	Port     string
	LogLevel string

	// StoreBackend selects the StateStore adapter: "memory", "sqlite", or
	// "postgres".
	StoreBackend string
	StorePath    string // sqlite file path, when StoreBackend == "sqlite"
	PostgresDSN  string // when StoreBackend == "postgres"

	SupervisorPublicKeyPath string

	RedisAddr string // empty disables the optional warm-path session cache

	OTLPEndpoint string // read from the environment; the gateway sets up no tracing export

	StartupSessionGC  bool
	SessionGCInterval time.Duration
}

// LoadDotenv loads a .env file into the process environment if present. It
// is a no-op (not an error) when the file does not exist, matching
// godotenv's convention for optional local development overrides.
func LoadDotenv(path string) {
	_ = godotenv.Load(path)
}

// Load reads configuration from environment variables, applying the same
// safe, dev-friendly defaults pattern as the rest of this codebase.
func Load() *Config {
	port := os.Getenv("TGA_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("TGA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storeBackend := os.Getenv("TGA_STORE_BACKEND")
	if storeBackend == "" {
		storeBackend = "memory"
	}

	storePath := os.Getenv("TGA_STORE_PATH")
	if storePath == "" {
		storePath = "./tga-state.db"
	}

	gcInterval := 5 * time.Minute
	if v := os.Getenv("TGA_SESSION_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			gcInterval = d
		}
	}

	return &Config{
		Port:                    port,
		LogLevel:                logLevel,
		StoreBackend:            storeBackend,
		StorePath:               storePath,
		PostgresDSN:             os.Getenv("TGA_POSTGRES_DSN"),
		SupervisorPublicKeyPath: os.Getenv("TGA_SUPERVISOR_PUBLIC_KEY_PATH"),
		RedisAddr:               os.Getenv("TGA_REDIS_ADDR"),
		OTLPEndpoint:            os.Getenv("TGA_OTLP_ENDPOINT"),
		StartupSessionGC:        os.Getenv("TGA_STARTUP_SESSION_GC") == "true",
		SessionGCInterval:       gcInterval,
	}
}
