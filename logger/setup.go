package logger

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global logger. format is "console" (default) or "json".
func SetupLogger(format string) {
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return shortCaller(file) + ":" + strconv.Itoa(line)
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = log.With().Caller().Logger().Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	zerolog.SetGlobalLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}

// ParseLevel returns info for an empty or unknown level.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Error().Err(err).Msg("couldn't parse LOG_LEVEL.")
		return zerolog.InfoLevel
	}
	if logLevel == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return logLevel
}

func shortCaller(file string) string {
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			return file[i+1:]
		}
	}
	return file
}
