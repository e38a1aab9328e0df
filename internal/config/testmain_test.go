package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// TestMain keeps config discovery away from the developer's machine: a
// mend.yaml in the working directory or user config dir would leak into
// the defaults tests.
func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "mend-config-tests-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	oldWD, _ := os.Getwd()

	_ = os.Chdir(tmp)
	_ = os.Setenv("HOME", tmp)
	_ = os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg-config"))
	ResetForTesting()

	code := m.Run()

	ResetForTesting()
	_ = os.Chdir(oldWD)
	_ = os.RemoveAll(tmp)
	os.Exit(code)
}
