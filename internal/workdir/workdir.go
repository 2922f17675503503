// Package workdir resolves the divvy ledger root directory, supporting
// nested working directories and .divvy-root redirection files.
package workdir

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// LedgerDir is the per-root directory holding the ledger database and
	// device identity.
	LedgerDir = ".divvy"

	rootFile = ".divvy-root"
)

// ResolveBaseDir walks up from startDir looking for an existing .divvy
// directory or a .divvy-root redirection file. A redirection file contains
// the path of the real ledger root (absolute, or relative to the file's
// directory), letting several checkouts share one ledger. If neither is
// found anywhere up the tree, startDir is returned unchanged so that
// 'divvy init' creates the ledger right here.
func ResolveBaseDir(startDir string) string {
	dir := startDir
	for {
		if target, ok := redirectTarget(dir); ok {
			return target
		}
		if info, err := os.Stat(filepath.Join(dir, LedgerDir)); err == nil && info.IsDir() {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// redirectTarget reads dir's .divvy-root file if present.
func redirectTarget(dir string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(dir, rootFile))
	if err != nil {
		return "", false
	}
	resolved := strings.TrimSpace(string(content))
	if resolved == "" {
		return "", false
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Clean(filepath.Join(dir, resolved))
	}
	return resolved, true
}
