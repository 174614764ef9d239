package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the service logger and routes the standard library logger
// through it, so log.Printf lines from any package come out as JSON with the
// same service and env fields.
func Setup(service, env string) zerolog.Logger {
	return SetupWithOutput(service, env, os.Stdout)
}

func SetupWithOutput(service, env string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(w).With().Timestamp().Str("service", strings.TrimSpace(service))
	if env = strings.TrimSpace(env); env != "" {
		ctx = ctx.Str("env", env)
	}
	logger := ctx.Logger().Level(ParseLevel(os.Getenv("LOG_LEVEL")))

	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(stdBridge{logger: logger})
	return logger
}

// ParseLevel maps LOG_LEVEL values to zerolog levels, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type stdBridge struct {
	logger zerolog.Logger
}

func (b stdBridge) Write(p []byte) (int, error) {
	b.logger.Info().Str("source", "stdlog").Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// HashID returns a short stable digest for identifiers that must not appear
// in logs verbatim (user ids, wallet addresses).
func HashID(id string) string {
	if strings.TrimSpace(id) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// Nop is a disabled logger for components constructed without one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
