//go:build !linux

package runtime

const startTimeSupported = false

func processStartTime(pid int) (string, error) {
	return "", nil
}
