package cmd

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargets(t *testing.T) {
	host := target{os: runtime.GOOS, arch: runtime.GOARCH}
	targets, err := parseTargets([]string{"host", "linux/arm64", "host", "linux/arm64"})
	require.NoError(t, err)
	assert.Equal(t, []target{host, {os: "linux", arch: "arm64"}}, targets)
	assert.Equal(t, "dist/pdb", targets[0].output())
	if !targets[1].host() {
		assert.Equal(t, "dist/pdb-linux-arm64", targets[1].output())
	}

	for _, spec := range []string{"linux", "/arm", "linux/", ""} {
		_, err := parseTargets([]string{spec})
		assert.Error(t, err, spec)
	}
	_, err = parseTargets(nil)
	assert.Error(t, err)
}
