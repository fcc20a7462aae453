package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UniquePath returns dir/filename if it does not exist, otherwise the first
// "name (N)" variant (smallest N >= 1) that is free, preserving the
// extension: "report.pdf" becomes "report (1).pdf". It never overwrites.
func UniquePath(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if !pathExists(candidate) {
		return candidate
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if !pathExists(candidate) {
			return candidate
		}
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
