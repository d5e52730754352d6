package am

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggles struct {
	mu       sync.Mutex
	testMode bool
	fallback bool
	calls    int
}

func (t *toggles) SetTestMode(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.testMode = on
	t.calls++
}

func (t *toggles) SetFallbackEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = on
}

func (t *toggles) snapshot() (bool, bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.testMode, t.fallback, t.calls
}

func newTestWatcher(t *testing.T, content string) (*ConfigWatcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herald.toml")
	writeFile(t, path, content)

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }
	t.Cleanup(func() { cw.Stop() })
	return cw, path
}

func TestWatcherAppliesDispatchToggles(t *testing.T) {
	cw, path := newTestWatcher(t, "[dispatch]\ntest_mode = false\n")
	d := &toggles{fallback: true}
	cw.OnReload(ApplyDispatchToggles(d))
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[dispatch]\ntest_mode = true\nfallback_enabled = false\n"), 0644))

	assert.Eventually(t, func() bool {
		testMode, fallback, _ := d.snapshot()
		return testMode && !fallback
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsRunningConfigOnInvalidFile(t *testing.T) {
	cw, path := newTestWatcher(t, "[dispatch]\ntest_mode = false\n")
	d := &toggles{}
	cw.OnReload(ApplyDispatchToggles(d))

	require.NoError(t, os.WriteFile(path, []byte("[dispatch]\ntest_mode = true\nlog_sink = \"kafka\"\n"), 0644))
	err := cw.reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeping the running one")

	_, _, calls := d.snapshot()
	assert.Zero(t, calls)
}

func TestWatcherIgnoresOwnWrite(t *testing.T) {
	cw, _ := newTestWatcher(t, "")
	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite(), "flag clears after one check")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.herald/config.toml.back2"))
	assert.False(t, isBackupFile("/home/u/.herald/config.toml"))
}
