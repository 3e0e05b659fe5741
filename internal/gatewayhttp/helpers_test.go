package gatewayhttp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffContentType(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"png", append([]byte{0x89}, []byte("PNG\r\n\x1a\n")...), "image/png"},
		{"gif", []byte("GIF89a..."), "image/gif"},
		{"unknown", []byte("<html></html>"), "text/html; charset=utf-8"},
		{"empty", nil, "text/html; charset=utf-8"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, sniffContentType(c.data))
		})
	}
}

func TestReadAllLimited_WithinLimit(t *testing.T) {
	data, err := readAllLimited(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestReadAllLimited_ExceedsLimit(t *testing.T) {
	_, err := readAllLimited(bytes.NewReader(make([]byte, 100)), 10)
	assert.Error(t, err)
}

func TestReadAllLimited_ExactlyAtLimit(t *testing.T) {
	data, err := readAllLimited(strings.NewReader("0123456789"), 10)
	require.NoError(t, err)
	assert.Len(t, data, 10)
}
