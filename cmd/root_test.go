package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/buildinfo"
)

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	root := RootCommand(buildinfo.NewContext("v1.0.0", "2024-09-01"))

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"monitor", "windows", "capture", "config"}, names)
	assert.Equal(t, "v1.0.0 (built 2024-09-01)", root.Version)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestRootCommand_ConfigPrintsEffectiveSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("main:\n  name: room-204\nwebserver:\n  port: 9100\n"), 0o600))

	root := RootCommand(buildinfo.NewContext("test", ""))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "# loaded from "+path)
	assert.Contains(t, out.String(), "name: room-204")
	assert.Contains(t, out.String(), "port: 9100")
	assert.Contains(t, out.String(), "start_minutes: 35")
}
