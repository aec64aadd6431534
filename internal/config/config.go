package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Defaults mirror the compiled-in limits of the HTTP stack. All of them can
// be overridden from the environment (STRAND_*) and again from the CLI.
const (
	DefaultMaxLineLen    = 8 * 1024
	DefaultMaxHeaderSize = 32 * 1024
	DefaultMaxHeaders    = 128
	DefaultMaxBodySize   = 32 * 1024 * 1024
	DefaultKeepAlive     = 40
	DefaultWSMaxMsgSize  = 256 * 1024
	DefaultWSTimeout     = 40
	DefaultBodySpill     = 128 * 1024
)

// Config holds every runtime knob; no hardcoded values live in the stack
// itself.
type Config struct {
	Listen string `validate:"required"`

	// Concurrency
	Threads int `validate:"min=0,max=4096"`
	Workers int `validate:"min=0,max=1024"`

	// HTTP limits
	Public        string
	MaxLineLen    int   `validate:"min=128"`
	MaxHeaderSize int   `validate:"min=256"`
	MaxHeaders    int   `validate:"min=1"`
	MaxBodySize   int64 `validate:"min=0"`
	KeepAlive     int   `validate:"min=0,max=255"`
	LogRequests   bool

	// WebSocket / SSE
	WSMaxMsgSize int64 `validate:"min=125"`
	WSTimeout    int   `validate:"min=0,max=255"`

	// TLS (termination is delegated to a registered stream transform;
	// the flags are still part of the surface).
	TLSCert     string
	TLSKey      string
	TLSName     string
	TLSPassword string

	Verbose bool
}

// Load parses the environment and applies sensible default fallbacks.
// An optional .env file in the working directory is merged first.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Listen:        getEnv("STRAND_LISTEN", "0.0.0.0:3000"),
		Threads:       getEnvInt("STRAND_THREADS", 0),
		Workers:       getEnvInt("STRAND_WORKERS", 0),
		Public:        getEnv("STRAND_PUBLIC", ""),
		MaxLineLen:    getEnvInt("STRAND_MAX_LINE", DefaultMaxLineLen),
		MaxHeaderSize: getEnvInt("STRAND_MAX_HEADER", DefaultMaxHeaderSize),
		MaxHeaders:    getEnvInt("STRAND_MAX_HEADERS", DefaultMaxHeaders),
		MaxBodySize:   int64(getEnvInt("STRAND_MAX_BODY", DefaultMaxBodySize)),
		KeepAlive:     getEnvInt("STRAND_KEEP_ALIVE", DefaultKeepAlive),
		WSMaxMsgSize:  int64(getEnvInt("STRAND_WS_MAX_MSG", DefaultWSMaxMsgSize)),
		WSTimeout:     getEnvInt("STRAND_WS_TIMEOUT", DefaultWSTimeout),
		TLSCert:       getEnv("STRAND_TLS_CERT", ""),
		TLSKey:        getEnv("STRAND_TLS_KEY", ""),
		TLSName:       getEnv("STRAND_TLS_NAME", ""),
		TLSPassword:   getEnv("STRAND_TLS_PASSWORD", ""),
	}
}

// Validate rejects out-of-range limits before the reactor boots; a bad
// configuration is a fatal startup error, never a runtime surprise.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.TLSCert != "" || c.TLSKey != "" {
		if c.TLSCert == "" || c.TLSKey == "" {
			return errors.New("config: --tls-cert and --tls-key must be given together")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
