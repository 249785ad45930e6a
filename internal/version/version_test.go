package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestString(t *testing.T) {
	s := String()
	assert.Contains(t, s, ApplicationName)
	assert.Contains(t, s, "version")
}

func TestShort(t *testing.T) {
	original := Version
	defer func() { Version = original }()

	Version = "1.0.0"
	assert.Contains(t, Short(), "1.0.0")
}

func TestShort_IncludesTreeStateMarker(t *testing.T) {
	originalCommit, originalTree := Commit, TreeState
	defer func() { Commit, TreeState = originalCommit, originalTree }()

	Commit = "abcdef0123456789"
	TreeState = "dirty"
	assert.True(t, strings.HasSuffix(Short(), "*)"))
}

func TestJSON_ProducesValidJSON(t *testing.T) {
	var decoded Info
	require := assert.New(t)
	require.NoError(json.Unmarshal([]byte(JSON()), &decoded))
	require.Equal(Version, decoded.Version)
}

func TestIsSnapshotAndIsRelease(t *testing.T) {
	original := Version
	defer func() { Version = original }()

	Version = "dev"
	assert.True(t, IsSnapshot())
	assert.False(t, IsRelease())

	Version = "1.2.3-dev.4-abcdef0"
	assert.True(t, IsSnapshot())

	Version = "1.2.3"
	assert.False(t, IsSnapshot())
	assert.True(t, IsRelease())
}
