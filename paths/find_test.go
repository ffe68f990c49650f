package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindInConfigHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "chatbridge"), 0o755))
	want := filepath.Join(home, "chatbridge", "cbtest-server.json")
	require.NoError(t, os.WriteFile(want, []byte("{}"), 0o600))

	assert.Equal(t, want, Find("cbtest-server.json"))
	assert.Equal(t, want, FindOrDefault("cbtest-server.json"))
	assert.Equal(t, want, Find(want))
}

func TestFindMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	assert.Equal(t, "", Find("cbtest-does-not-exist.json"))
	assert.Equal(t, "cbtest-does-not-exist.json", FindOrDefault("cbtest-does-not-exist.json"))
	assert.Equal(t, "", Find(filepath.Join(t.TempDir(), "nope.json")))
}

func TestDirs(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	dirs := Dirs()
	require.GreaterOrEqual(t, len(dirs), 2)
	assert.Equal(t, ".", dirs[0])
	assert.Equal(t, filepath.Join("/xdg", "chatbridge"), dirs[1])
}
