// Package workdir resolves the crmsync store root directory, supporting
// redirection via .crmsync-root files so several checkouts can share a store.
package workdir

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	rootFile = ".crmsync-root"
	storeDir = ".crmsync"
)

// ResolveBaseDir walks up from baseDir looking for an existing store or a
// .crmsync-root redirect file. A redirect wins over a store found in the same
// directory; relative redirect paths are resolved against the file's directory.
// When neither is found, baseDir is returned unchanged so `crmsync init`
// creates the store where the user is.
func ResolveBaseDir(baseDir string) string {
	dir := filepath.Clean(baseDir)
	for {
		if target, ok := readRootFile(dir); ok {
			return target
		}
		if fi, err := os.Stat(filepath.Join(dir, storeDir)); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return baseDir
		}
		dir = parent
	}
}

func readRootFile(dir string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(dir, rootFile))
	if err != nil {
		return "", false
	}
	resolved := strings.TrimSpace(string(content))
	if resolved == "" {
		return "", false
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(dir, resolved)
	}
	return filepath.Clean(resolved), true
}
