package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, dir string) (*Watcher, *Registry) {
	t.Helper()
	reg := NewRegistry()
	w, err := NewWatcher(WatcherConfig{
		Dir:      dir,
		Registry: reg,
		Debounce: 20 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return w, reg
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Registry: NewRegistry()})
	assert.ErrorContains(t, err, "manifests directory is required")
	_, err = NewWatcher(WatcherConfig{Dir: t.TempDir()})
	assert.ErrorContains(t, err, "registry is required")
}

func TestWatcherLoadKeepsPreviousOnTotalFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fleet.yaml", fleetYAML)
	w, reg := newTestWatcher(t, dir)
	ctx := context.Background()

	require.NoError(t, w.Load(ctx))
	assert.Equal(t, 2, reg.Count())

	require.NoError(t, os.WriteFile(path, []byte("agents: [\n"), 0o644))
	assert.Error(t, w.Load(ctx))
	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, 1, reg.Version())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fleet.yaml", fleetYAML)
	w, reg := newTestWatcher(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Load(ctx))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, dir, "extra.yaml", "id: extra\ninstruction: More.\nmodel:\n  primary: gpt-4o\n")
	require.Eventually(t, func() bool {
		_, ok := reg.Get("extra")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "extra.yaml")))
	require.Eventually(t, func() bool {
		_, ok := reg.Get("extra")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	// non-manifest files are ignored
	v := reg.Version()
	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, v, reg.Version())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t, t.TempDir())
	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
