//go:build !linux && !darwin && !windows

package resolver

import (
	"os"
	"path/filepath"
)

// getDefaultCacheDir returns ~/.cache/<appName>/ on other Unix systems.
func getDefaultCacheDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}
