// Package env captures details about the dtester environment.
package env

import (
	"os"
	"path/filepath"
)

// WorkRoot is the directory run-scoped tmp directories default under.
var WorkRoot = findWorkRoot()

func findWorkRoot() string {
	env := os.Getenv("DTESTER_WORKROOT")
	if env != "" {
		return env
	}
	return filepath.Join(os.TempDir(), "dtester")
}
