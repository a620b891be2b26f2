package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
	closed bool
}

func (b *bufferHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinter(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	hook := &bufferHook{}
	p, err := NewPrinter("│ ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("a\nb", 1))
	require.NoError(t, p.Write("c", 0))
	require.NoError(t, p.Turn("0123456789abcdef", "caller", "vreau o programare"))
	assert.Equal(t, "│ a\n│ b\nc[01234567] caller:\n│ vreau o programare\n", hook.String())

	require.NoError(t, p.Close())
	assert.True(t, hook.closed)
}
