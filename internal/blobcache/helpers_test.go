package blobcache

import (
	"testing"

	"github.com/Masterminds/semver/v3"
)

func mustV(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		t.Fatalf("bad version %q: %v", s, err)
	}
	return v
}
