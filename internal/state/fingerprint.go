package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// InputFingerprint hashes the ordered image names with their sizes and
// modification times.
func InputFingerprint(imageDir string, images []string) (string, error) {
	h := sha256.New()
	for _, name := range images {
		info, err := os.Stat(filepath.Join(imageDir, filepath.FromSlash(name)))
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\t%d\t%d\n", name, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StageFingerprint combines an upstream fingerprint with the parameters
// that shape a stage's output. params must be JSON-encodable.
func StageFingerprint(upstream string, params any) string {
	h := sha256.New()
	h.Write([]byte(upstream))
	h.Write([]byte{0})
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", params))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
