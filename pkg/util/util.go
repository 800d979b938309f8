package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set. This prevents the backup user from being locked out on subsequent runs.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	return filepath.Join(home, path[1:]), nil
}

// NormalizePath converts a relative path to the normalized, forward-slash key
// form used for archive entry names, log lines and cross-platform comparisons.
func NormalizePath(relPath string) string {
	return filepath.ToSlash(relPath)
}

// NormalizedRelPath returns the normalized key of absPath relative to root.
func NormalizedRelPath(root, absPath string) (string, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", fmt.Errorf("could not get relative path of %s under %s: %w", absPath, root, err)
	}
	return NormalizePath(rel), nil
}

// DenormalizedAbsPath joins a normalized key back onto a root as an OS-native
// absolute path suitable for filesystem access.
func DenormalizedAbsPath(root, relPathKey string) string {
	return filepath.Join(root, filepath.FromSlash(relPathKey))
}
