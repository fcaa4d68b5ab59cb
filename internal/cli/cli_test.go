package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-runner/internal/measurements"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "analysis-runner", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommandRequiresWorkerCmd(t *testing.T) {
	cmd := buildRunCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	workerCmdFlag := cmd.Flags().Lookup("worker-cmd")
	require.NotNil(t, workerCmdFlag)

	// worker-cmd is marked required and left unset, so validation must fail.
	assert.Error(t, cmd.ValidateRequiredFlags())
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestExecWorkerFactoryBuildsExpectedArgs(t *testing.T) {
	factory := execWorkerFactory("/bin/true")
	cmd := factory(2, "announce://host:1", "provider://host:2")

	require.NotNil(t, cmd)
	assert.Contains(t, cmd.Args, "--announce-endpoint")
	assert.Contains(t, cmd.Args, "announce://host:1")
	assert.Contains(t, cmd.Args, "--worker-index")
	assert.Contains(t, cmd.Args, "2")
}

func TestOpenOrSeedStoreSeedsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.json")

	store, err := openOrSeedStore(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, store.ImageSetCount())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenOrSeedStoreReopensExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.json")

	seeded := measurements.NewFileStore(path)
	seeded.Write("Image", "FileName", 1, "a.tif")
	require.NoError(t, seeded.Flush())

	store, err := openOrSeedStore(path, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, store.ImageSetCount())
}
