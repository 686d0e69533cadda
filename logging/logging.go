package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

var allowedLogLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Name is the name the returned logger will use to prefix log lines.
	Name string
}

// AllowedLogLevels returns the set of levels Setup accepts.
func AllowedLogLevels() []string {
	c := make([]string, len(allowedLogLevels))
	copy(c, allowedLogLevels)
	return c
}

// ValidateLogLevel verifies that a new log level is valid
func ValidateLogLevel(minLevel string) bool {
	newLevel := strings.ToUpper(minLevel)
	for _, level := range allowedLogLevels {
		if level == newLevel {
			return true
		}
	}
	return false
}

// Setup logging from Config, writing to output. Returns an intercept logger
// so components can attach additional sinks at runtime.
func Setup(config Config, output io.Writer) (hclog.InterceptLogger, error) {
	if !ValidateLogLevel(config.LogLevel) {
		return nil, fmt.Errorf("invalid log level: %s. Valid log levels are: %v",
			config.LogLevel, allowedLogLevels)
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      hclog.LevelFromString(config.LogLevel),
		Name:       config.Name,
		Output:     output,
		JSONFormat: config.LogJSON,
	})
	return logger, nil
}
