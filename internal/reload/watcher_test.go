package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "\t", "/tmp/c", "/tmp/b"}
	require.Equal(t, []string{"/tmp/a", "/tmp/b", "/tmp/c"}, uniquePaths(paths))
}

func TestWatcherUpdateTracksSourcesAndRoot(t *testing.T) {
	dir := t.TempDir()
	mainFile := filepath.Join(dir, "main.yaml")
	cameraFile := filepath.Join(dir, "camera.yaml")
	rootFile := filepath.Join(dir, "root.yaml")
	writeFile(t, mainFile, "main")
	writeFile(t, cameraFile, "camera")
	writeFile(t, rootFile, "root")

	cfg := &config.Config{
		Source:          config.ModuleReference{File: mainFile},
		HardwareSources: []config.HardwareSourceConfig{{Source: config.ModuleReference{File: cameraFile}}},
	}

	var watcher Watcher
	require.NoError(t, watcher.Update(rootFile, cfg))
	require.ElementsMatch(t, []string{mainFile, cameraFile, rootFile}, watcher.Files())
}

func TestWatcherUpdateSkipsMissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	var watcher Watcher
	require.NoError(t, watcher.Update("", &config.Config{Source: config.ModuleReference{File: missing}}))
	require.Empty(t, watcher.Files())
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	cfg := &config.Config{
		Source:      config.ModuleReference{File: fileA},
		Instruments: []config.InstrumentConfig{{Source: config.ModuleReference{File: fileB}}},
	}
	watcher, err := NewWatcher("", cfg)
	require.NoError(t, err)

	changed, err := watcher.Check()
	require.NoError(t, err)
	require.Empty(t, changed)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	require.NoError(t, os.Remove(fileB))

	changed, err = watcher.Check()
	require.NoError(t, err)
	require.Equal(t, []string{fileA, fileB}, changed)
}

func TestWatcherDetectsNewFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "00-base.yaml"), "base")

	watcher, err := NewWatcher(dir, &config.Config{})
	require.NoError(t, err)

	changed, err := watcher.Check()
	require.NoError(t, err)
	require.Empty(t, changed)

	writeFile(t, filepath.Join(dir, "10-extra.cue"), "extra")
	changed, err = watcher.Check()
	require.NoError(t, err)
	require.Equal(t, []string{dir}, changed)
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	require.NoError(t, watcher.Update("", &config.Config{}))
	changed, err := watcher.Check()
	require.NoError(t, err)
	require.Nil(t, changed)
	require.Nil(t, watcher.Files())
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
