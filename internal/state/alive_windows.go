//go:build windows

package state

import "os"

// processAlive treats any process that can be opened as alive.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
