package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert.Equal(t, "csi-sense dev (commit unknown, built unknown)", String("csi-sense"))

	old := Version
	Version = "v1.2.0"
	t.Cleanup(func() { Version = old })
	assert.Contains(t, String("csi-replay"), "csi-replay v1.2.0")
}
