package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := For(New(&buf, "WARN"), "sweeper")

	logger.Info("dropped")
	logger.Warn("kept", "hold_id", "h-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "h-1", rec["hold_id"])
	assert.Equal(t, "sweeper", rec["process"])
	assert.Contains(t, rec, "source")
}
