//go:build !linux

package hardware

import "errors"

func sysinfoRAM() (uint64, error) {
	return 0, errors.New("sysinfo unsupported on this platform")
}
