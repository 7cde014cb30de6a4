package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"1024", 1024},
		{"512B", 512},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"100MiB", 100 * 1024 * 1024},
		{"100MB", 100 * 1000 * 1000},
		{"2GiB", 2 * 1024 * 1024 * 1024},
		{"1.5GiB", 1536 * 1024 * 1024},
		{"1TB", 1000 * 1000 * 1000 * 1000},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		{" 10 MiB ", 10 * 1024 * 1024},
		{"10mib", 10 * 1024 * 1024},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, in := range []string{"abc", "-5MiB", "-1", "MiB", "12XB"} {
		_, err := ParseSize(in)
		assert.Error(t, err, "input %q", in)
	}
}
