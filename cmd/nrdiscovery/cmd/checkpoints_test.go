package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/progress"
)

func TestCheckpointsCommandStructure(t *testing.T) {
	assert.NotNil(t, checkpointsCmd)
	assert.Equal(t, "checkpoints", checkpointsCmd.Use)
	assert.NotEmpty(t, checkpointsCmd.Short)
	assert.Contains(t, checkpointsCmd.Long, "Example:")
	assert.NotNil(t, checkpointsCmd.RunE)
}

func TestRunCheckpoints(t *testing.T) {
	dir := t.TempDir()
	useFlags(t, writeConfig(t, dir, "http://127.0.0.1:1"))

	var out bytes.Buffer
	checkpointsCmd.SetOut(&out)
	defer checkpointsCmd.SetOut(nil)

	require.NoError(t, runCheckpoints(checkpointsCmd, nil))
	assert.Contains(t, out.String(), "No checkpoints stored")

	store, err := progress.NewFileStore(filepath.Join(dir, "checkpoints"), logger.NewNop())
	require.NoError(t, err)
	for _, cp := range []*progress.Checkpoint{
		{SessionID: "first", CompletedItems: []string{"enumerate"}, CumulativeCost: map[string]float64{"events": 0.5}, Status: "completed"},
		{SessionID: "second", CompletedItems: []string{"enumerate", "volume:Log"}, CumulativeCost: map[string]float64{"logs": 0.25}, Status: "timed_out"},
	} {
		_, err := store.Save(context.Background(), cp)
		require.NoError(t, err)
	}

	out.Reset()
	require.NoError(t, runCheckpoints(checkpointsCmd, nil))
	output := out.String()
	assert.Contains(t, output, "SESSION")
	assert.Contains(t, output, "first")
	assert.Contains(t, output, "timed_out")
	assert.Contains(t, output, "0.2500")
	assert.Contains(t, output, "Total: 2 checkpoint(s)")
}
