// Package logtest captures log output for assertions in tests.
package logtest

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// Capture is a JSON logger writing into memory.
type Capture struct {
	Logger zerolog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

// New returns a trace-level capturing logger.
func New(t testing.TB) *Capture {
	t.Helper()
	c := &Capture{}
	c.Logger = zerolog.New(c).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return c
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *Capture) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *Capture) Contains(substr string) bool {
	return strings.Contains(c.Output(), substr)
}
