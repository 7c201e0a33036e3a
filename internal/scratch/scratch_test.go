package scratch

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_New_CreatesDirectoryUnderTempDirWithTightMode(t *testing.T) {
	t.Parallel()

	dir, err := New()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.True(t, strings.HasPrefix(dir, os.TempDir()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func Test_New_EachCallReturnsADistinctDirectory(t *testing.T) {
	t.Parallel()

	a, err := New()
	require.NoError(t, err)
	defer os.RemoveAll(a)

	b, err := New()
	require.NoError(t, err)
	defer os.RemoveAll(b)

	require.NotEqual(t, a, b)
}
