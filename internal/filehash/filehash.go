// Package filehash computes the SHA-256 digests used for lock drift
// detection and sandbox execution fingerprinting.
package filehash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// MissingFileHash is the sentinel hash used for files that don't exist yet:
// LockManager treats "no file on disk" as a valid pre-acquisition state
// rather than an error.
var MissingFileHash = strings.Repeat("0", sha256.Size*2)

// HashFile returns the lowercase hex-encoded SHA-256 digest of the file at
// path, or MissingFileHash if the file does not exist.

func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return MissingFileHash, nil
		}
		return "", fmt.Errorf("filehash: reading %q: %w", path, err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the lowercase hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the content-addressed execution fingerprint
// sha256(code || env) used to deduplicate sandbox executions across
// processes via the external ExperienceRepository, since the executor
// cache itself is per-instance and never shared.
func Fingerprint(code string, env map[string]string) string {
	h := sha256.New()
	h.Write([]byte(code))
	h.Write([]byte{0})
	for _, k := range sortedKeys(env) {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(env[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
