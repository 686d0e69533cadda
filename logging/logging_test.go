package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetup_InvalidLogLevel(t *testing.T) {
	var buf bytes.Buffer
	_, err := Setup(Config{LogLevel: "blah"}, &buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid log level")
}

func TestSetup_DefaultOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(Config{LogLevel: "INFO", Name: "test"}, &buf)
	require.NoError(t, err)

	logger.Warn("a warning")
	logger.Debug("filtered out")

	out := buf.String()
	require.Contains(t, out, "a warning")
	require.NotContains(t, out, "filtered out")
}

func TestSetup_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(Config{LogLevel: "DEBUG", LogJSON: true, Name: "test"}, &buf)
	require.NoError(t, err)

	logger.Info("hello", "key", "val")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["@message"])
	require.Equal(t, "val", rec["key"])
}

func TestValidateLogLevel(t *testing.T) {
	require.True(t, ValidateLogLevel("info"))
	require.True(t, ValidateLogLevel("TRACE"))
	require.False(t, ValidateLogLevel("fine"))
}
