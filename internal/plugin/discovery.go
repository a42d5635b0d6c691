package plugin

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// executablePrefix is tried first when a plugin is named without a path.
const executablePrefix = "cascade-"

// Resolve finds a plugin executable. Names without a path separator are
// looked up in PATH, first with the cascade- prefix and then as given.
func Resolve(path string) (string, error) {
	if strings.ContainsRune(path, filepath.Separator) {
		return path, ValidatePlugin(path)
	}
	for _, name := range []string{executablePrefix + path, path} {
		if found, err := exec.LookPath(name); err == nil {
			return found, ValidatePlugin(found)
		}
	}
	return "", fmt.Errorf("plugin not found in PATH: %s", path)
}

// ValidatePlugin checks that path exists and is executable. It never runs
// the plugin, which would block reading stdin.
func ValidatePlugin(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("plugin not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat plugin: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("plugin is a directory: %s", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("plugin is not executable: %s", path)
	}
	return nil
}
