package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateVersion(t *testing.T) {
	for _, v := range []string{"1.0.0", "v2.10.3", "1.2.3-rc.1", "1.2.3+build.7", "0.0.1-alpha+001"} {
		assert.NoError(t, ValidateVersion(v), v)
	}
	for _, v := range []string{"", "1.0", "1.0.0.0", "one.two.three", "1.0.0-", "latest"} {
		assert.Error(t, ValidateVersion(v), v)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("v1.12.3-beta.2+sha.abc")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 1, Minor: 12, Patch: 3, Prerelease: "beta.2"}, v)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"v1.0.0", "1.0.0", 0},
		{"1.0.0-rc.1", "1.0.0", -1},
		{"1.0.0", "1.0.0-rc.1", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0+build.1", "1.0.0+build.2", 0},
		{"garbage", "1.0.0", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
