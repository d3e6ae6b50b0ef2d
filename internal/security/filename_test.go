package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa-bb-cc-dd-ee-01", "aa-bb-cc-dd-ee-01"},
		{"../../etc/passwd", "etc_passwd"},
		{"kitchen sensor #2", "kitchen_sensor_2"},
		{"a__b", "a_b"},
		{"", "unknown"},
		{"...", "unknown"},
		{"/dev/ttyUSB0", "dev_ttyUSB0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 300)), maxFilenameLen)
}
