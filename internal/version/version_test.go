package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, ApplicationName+" version "))
}

func TestJSON(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(JSON()), &decoded))
	assert.Contains(t, decoded, "version")
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), ApplicationName+"/"))
}
