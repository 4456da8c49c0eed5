//go:build windows

package journal

import (
	"os"
)

func pidAlive(pid int) bool {
	// FindProcess only fails for exited processes on Windows.
	_, err := os.FindProcess(pid)
	return err == nil
}
