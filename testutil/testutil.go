// Package testutil contains helpers shared by tests across the module.
package testutil

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func NewDiscardLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:  0,
		Output: io.Discard,
	})
}

func Logger(t testing.TB) hclog.InterceptLogger {
	return LoggerWithOutput(t, os.Stdout)
}

func LoggerWithOutput(t testing.TB, output io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      hclog.Trace,
		Output:     output,
		TimeFormat: "04:05.000",
	})
}

// TestContext returns a context cancelled when the test finishes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
