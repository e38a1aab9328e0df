//go:build !unix

package lockfile

import "os"

// Without flock the lock file only records the owner.
func flockExclusive(*os.File) error { return nil }

func flockUnlock(*os.File) error { return nil }

func isProcessRunning(pid int) bool { return pid > 0 }
