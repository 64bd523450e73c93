package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	require.Regexp(t, `^\d+\.\d+\.\d+$`, Version())
}

func TestFullIncludesCommit(t *testing.T) {
	old := Commit
	t.Cleanup(func() { Commit = old })

	Commit = " abc123 "
	require.Equal(t, Version()+" commit=abc123", Full())
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "rc.1", sanitize("rc.1"))
	require.Equal(t, "beta2", sanitize("beta_2!"))
	require.Empty(t, sanitize("+++"))
}
