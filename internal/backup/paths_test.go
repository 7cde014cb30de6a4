package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tgvault/tgvault/internal/telegram"
)

func TestEntityDir(t *testing.T) {
	tests := []struct {
		entity telegram.Entity
		want   string
	}{
		{telegram.Entity{ID: 100, Name: "Family Chat"}, "100_Family Chat"},
		{telegram.Entity{ID: 200, Name: "dev/ops: #1?"}, "200_dev_ops_ _1_"},
		{telegram.Entity{ID: 300, Name: ""}, "300"},
		{telegram.Entity{ID: 400, Name: "  trimmed  "}, "400_trimmed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EntityDir(tt.entity))
	}
}

func TestEntityDirUnicodeNormalization(t *testing.T) {
	// "é" precomposed vs combining must map to the same directory.
	composed := telegram.Entity{ID: 1, Name: "café"}
	decomposed := telegram.Entity{ID: 1, Name: "café"}

	assert.Equal(t, EntityDir(composed), EntityDir(decomposed))
}

func TestDeterministicName(t *testing.T) {
	assert.Equal(t, "12345.jpg", DeterministicName("12345", ".jpg"))
	assert.Equal(t, "999.bin", DeterministicName("999", ".bin"))
}

func TestRelPath(t *testing.T) {
	assert.Equal(t, "100_chat/42.jpg", RelPath("100_chat", "42.jpg"))
	assert.Equal(t, "42.jpg", RelPath(".", "42.jpg"))
}
