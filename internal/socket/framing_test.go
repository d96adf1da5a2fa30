package socket

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderSplitsOnNewline(t *testing.T) {
	lr := NewLineReader(strings.NewReader("one\ntwo\n"), MaxLineBytes)
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "one", string(line))

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "two", string(line))

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("x", 100) + "\n"
	lr := NewLineReader(strings.NewReader(huge), 10)
	_, err := lr.ReadLine()
	require.Error(t, err)
}

func TestWriteLineAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, map[string]string{"status": "ok"}))
	assert.Equal(t, "{\"status\":\"ok\"}\n", buf.String())
}
