//go:build linux

package runtime

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const startTimeSupported = true

// processStartTime reads the start time of pid in clock ticks since boot.
// A recycled pid has a different start time than the process it replaced.
func processStartTime(pid int) (string, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return "", err
	}
	return parseStatStartTime(string(b))
}

// parseStatStartTime extracts field 22 of /proc/<pid>/stat. The command name
// in field 2 may contain spaces and parentheses, so fields are counted from
// the last closing parenthesis.
func parseStatStartTime(stat string) (string, error) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 {
		return "", fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(stat[i+1:])
	// fields[0] is field 3 (state).
	if len(fields) < 20 {
		return "", fmt.Errorf("malformed stat line: %d fields", len(fields))
	}
	return fields[19], nil
}
