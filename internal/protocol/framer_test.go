package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLineReturnsSimpleLines(t *testing.T) {
	f := NewFramer(strings.NewReader("CMD:GET_DATA\nCMD:GET_VERSION\n"))

	line, err := f.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CMD:GET_DATA", line)

	line, err = f.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CMD:GET_VERSION", line)
}

func TestReadLineTrimsTrailingCR(t *testing.T) {
	f := NewFramer(strings.NewReader("CMD:GET_DATA\r\n"))
	line, err := f.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CMD:GET_DATA", line)
}

func TestReadLineDiscardsOverlongLines(t *testing.T) {
	overlong := strings.Repeat("X", MaxLineBytes+50)
	f := NewFramer(strings.NewReader(overlong + "\nCMD:GET_VERSION\n"))

	line, err := f.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CMD:GET_VERSION", line, "overlong line should be silently discarded")
}

func TestReadLineReturnsErrorAtEOFWithoutTrailingNewline(t *testing.T) {
	f := NewFramer(strings.NewReader("partial"))
	_, err := f.ReadLine()
	assert.Error(t, err)
}
