package sidecar

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Command describes the sidecar process to spawn.
type Command struct {
	Name string   // logical name, e.g. server
	Path string   // resolved executable
	Args []string // no arguments by default
	Env  []string // appended to the current environment
	Dir  string   // working directory, empty means current
	// ProcessGroup puts the sidecar into its own process group, killed as a
	// whole. Ignored on windows.
	ProcessGroup bool
}

// NotFoundError indicates the sidecar binary was not found.
type NotFoundError struct {
	Name          string
	SearchedPaths []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sidecar %q not found in: %v", e.Name, e.SearchedPaths)
}

// TargetTriple returns the platform suffix bundled sidecar binaries are
// named with, e.g. x86_64-unknown-linux-gnu.
func TargetTriple() string {
	return targetTriple(runtime.GOOS, runtime.GOARCH)
}

func targetTriple(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	case "arm":
		arch = "armv7"
	}

	switch goos {
	case "linux":
		if goarch == "arm" {
			return arch + "-unknown-linux-gnueabihf"
		}
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + goos
	}
}

// Resolve locates the binary of the sidecar called name.
//
// Each of dirs is searched for the platform specific binary
// <name>-<target triple> first and then for a plain <name>, with .exe
// appended on windows. When nothing matches, name is looked up in $PATH.
//
// Returns NotFoundError if the binary cannot be located.
func Resolve(name string, dirs ...string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid sidecar name %q", name)
	}

	ext := ""
	if runtime.GOOS == "windows" {
		ext = ".exe"
	}
	candidates := []string{
		name + "-" + TargetTriple() + ext,
		name + ext,
	}

	searched := make([]string, 0, len(dirs)*len(candidates)+1)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, c := range candidates {
			path := filepath.Join(dir, c)
			searched = append(searched, path)
			if isExecutable(path) {
				return path, nil
			}
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	} else if !errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("looking up %s in $PATH: %w", name, err)
	}
	searched = append(searched, "$PATH")

	return "", &NotFoundError{Name: name, SearchedPaths: searched}
}

// ExecutableDir returns the directory of the running binary, where bundled
// sidecars are placed by default.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
