package progress

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestLine_NotTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewWithWriter(buf, false, 0)
	l.Update("Epoch 1", "step %d", 1)
	l.Update("Epoch 1", "step %d", 2)
	assert.Empty(t, buf.String())
	l.Done()
	assert.Equal(t, "Epoch 1: step 2\n", buf.String())
	l.Done()
	assert.Equal(t, "Epoch 1: step 2\n", buf.String())
}

func TestLine_Terminal(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewWithWriter(buf, true, 30)
	l.MinInterval = 0
	l.Update("E", "loss=%.2f", 1.5)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r"), "output: %q", out)
	assert.Contains(t, out, "loss=1.50")
	assert.True(t, strings.HasSuffix(out, "\033[0K"), "output: %q", out)

	// Truncated to the terminal width.
	buf.Reset()
	l.Update("E", "%s", strings.Repeat("x", 100))
	assert.NotContains(t, buf.String(), strings.Repeat("x", 30))
	assert.Contains(t, buf.String(), strings.Repeat("x", 20))
	l.Done()
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestLine_TruncateMultiByte(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewWithWriter(buf, true, 30)
	l.MinInterval = 0
	l.Update("E", "%s", strings.Repeat("é", 100))
	out := buf.String()
	assert.True(t, utf8.ValidString(out), "output: %q", out)
	assert.Contains(t, out, strings.Repeat("é", 20))
	assert.NotContains(t, out, strings.Repeat("é", 30))
}
