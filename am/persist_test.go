package am

import (
	"os"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUserValue(t *testing.T) {
	isolate(t)

	path, err := SetUserValue("dispatch.test_mode", true)
	require.NoError(t, err)
	assert.Equal(t, UserConfigPath(), path)

	_, err = SetUserValue("pulse.workers", int64(5))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, toml.Unmarshal(raw, &stored))
	assert.Equal(t, true, stored["dispatch"].(map[string]interface{})["test_mode"])

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Dispatch.TestMode)
	assert.Equal(t, 5, cfg.Pulse.Workers)

	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "second write backs up the first")
}

func TestSetUserValueRejectsBadKey(t *testing.T) {
	isolate(t)
	_, err := SetUserValue("pulse..workers", 1)
	assert.Error(t, err)
}

func TestBackupRotation(t *testing.T) {
	isolate(t)
	for i := 0; i < 5; i++ {
		_, err := SetUserValue("pulse.workers", int64(i+1))
		require.NoError(t, err)
	}
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		_, err := os.Stat(UserConfigPath() + suffix)
		assert.NoError(t, err, suffix)
	}
	_, err := os.Stat(UserConfigPath() + ".back4")
	assert.True(t, os.IsNotExist(err))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, ParseValue("true"))
	assert.Equal(t, false, ParseValue("FALSE"))
	assert.Equal(t, int64(1), ParseValue("1"), "1 is a number, not a bool")
	assert.Equal(t, 2.5, ParseValue("2.5"))
	assert.Equal(t, "@every 2m", ParseValue("@every 2m"))
}
