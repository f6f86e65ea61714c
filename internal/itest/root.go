//go:build integration

package itest

import (
	"fmt"
	"os"
	"path/filepath"
)

const entrypoint = "cmd/lipsync/main.go"

// findRepoRoot walks up from the working directory to the module that
// contains the lipsync entrypoint.
func findRepoRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(entrypoint))); err == nil {
			return dir, nil
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no %s above %s", entrypoint, wd)
		}
	}
}
