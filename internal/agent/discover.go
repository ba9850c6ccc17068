package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultCandidates are checked when the executable is neither configured
// nor on PATH.
var DefaultCandidates = []string{
	"~/.local/bin/pi",
	"~/.npm-global/bin/pi",
	"/usr/local/bin/pi",
	"/opt/homebrew/bin/pi",
}

// FindExecutable locates the agent binary. explicit wins when set; otherwise
// name is looked up on PATH and then each candidate is tried in order.
func FindExecutable(explicit, name string, candidates []string) (string, error) {
	if explicit != "" {
		path := expandHome(explicit)
		if err := checkExecutable(path); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return path, nil
	}

	if name != "" {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	for _, c := range candidates {
		path := expandHome(c)
		if checkExecutable(path) == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %q not found on PATH or in %d candidate locations", ErrUnavailable, name, len(candidates))
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// ResolveWorkDir returns dir when it names an existing directory. Otherwise
// it falls back to base, and then to the directory of the running binary.
func ResolveWorkDir(dir, base string) string {
	if dir != "" {
		dir = expandHome(dir)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return dir
		}
	}
	if base != "" {
		if info, err := os.Stat(base); err == nil && info.IsDir() {
			return base
		}
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
