package filehash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashFileMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	content := []byte("print('hello')\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, HashBytes(content), got)
	require.Len(t, got, 64)
}

func TestHashFileMissingReturnsSentinel(t *testing.T) {
	got, err := HashFile(filepath.Join(t.TempDir(), "does-not-exist.py"))
	require.NoError(t, err)
	require.Equal(t, MissingFileHash, got)
}

func TestHashFileDetectsDrift(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	h1, err := HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	h2, err := HashFile(path)
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestFingerprintIsDeterministicAndEnvOrderIndependent(t *testing.T) {
	env1 := map[string]string{"A": "1", "B": "2"}
	env2 := map[string]string{"B": "2", "A": "1"}

	f1 := Fingerprint("print(1)", env1)
	f2 := Fingerprint("print(1)", env2)
	require.Equal(t, f1, f2)

	f3 := Fingerprint("print(2)", env1)
	require.NotEqual(t, f1, f3)
}
