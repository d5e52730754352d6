package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoStrings(t *testing.T) {
	dev := Info{CommitHash: "0123456789abcdef", BuildTime: "2025-03-14", Version: "dev"}
	assert.Equal(t, "herald dev (commit 0123456789abcdef, built 2025-03-14)", dev.String())
	assert.Equal(t, "0123456", dev.Short())
	assert.Equal(t, "herald/dev-0123456", dev.UserAgent())

	tagged := Info{CommitHash: "abc", BuildTime: "2025-03-14", Version: "v1.2.0"}
	assert.Equal(t, "herald v1.2.0 (commit abc, built 2025-03-14)", tagged.String())
	assert.Equal(t, "abc", tagged.Short())
	assert.Equal(t, "herald/v1.2.0", tagged.UserAgent())
}

func TestGetFillsRuntime(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
