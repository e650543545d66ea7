package release

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionIsNightly(t *testing.T) {
	tests := []struct {
		version string
		nightly bool
	}{
		{"2026.08.27", true},
		{"2025.01.01", true},
		{"4.172.0", false},
		{"4.172", false},
		{"2026.8.27", false},
		{"2026.08.27.1", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.version, func(t *testing.T) {
			assert.Equal(t, tc.nightly, Version(tc.version).IsNightly())
		})
	}
}

func TestPlatformClassification(t *testing.T) {
	tests := []struct {
		platform Platform
		linux    bool
		macos    bool
		source   bool
	}{
		{"ubuntu-22.04", true, false, false},
		{"debian-12", true, false, false},
		{"macos-14", false, true, false},
		{"macos-15", false, true, false},
		{PlatformSource, false, false, true},
		{PlatformSourceGPG, false, false, true},
		{"", false, false, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.platform), func(t *testing.T) {
			assert.Equal(t, tc.linux, tc.platform.IsLinux())
			assert.Equal(t, tc.macos, tc.platform.IsMacOS())
			assert.Equal(t, tc.source, tc.platform.IsSource())
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{
		"not_built", "built_not_published", "published", "succeeded", "failed",
	} {
		s, err := ParseStatus(valid)
		require.NoError(t, err)
		assert.Equal(t, Status(valid), s)
	}

	_, err := ParseStatus("building")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "building")
}

func TestAnyUnpublished_AllPublished(t *testing.T) {
	ok, err := AnyUnpublished(map[Platform]Status{
		"ubuntu-22.04": StatusPublished,
		"debian-12":    StatusPublished,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnyUnpublished_SomeUnpublished(t *testing.T) {
	ok, err := AnyUnpublished(map[Platform]Status{
		"ubuntu-22.04": StatusPublished,
		"debian-12":    StatusBuiltNotPublished,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnyUnpublished_NotBuiltIsAnError(t *testing.T) {
	_, err := AnyUnpublished(map[Platform]Status{
		"ubuntu-22.04": StatusNotBuilt,
		"debian-12":    StatusBuiltNotPublished,
		"fedora-40":    StatusNotBuilt,
	})
	require.Error(t, err)
	// Offending platforms are named, sorted, in the error.
	assert.Contains(t, err.Error(), "fedora-40, ubuntu-22.04")
}

func TestAnyUnpublished_Empty(t *testing.T) {
	ok, err := AnyUnpublished(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceTarballName(t *testing.T) {
	assert.Equal(t, "runtime-4.172.0.tar.gz", SourceTarballName("runtime", "4.172.0"))
}
