package debugdetect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// IsDebuggerAttached returns true if the current process is being traced.
func IsDebuggerAttached() (bool, error) {
	pid, err := Tracer(os.Getpid())
	return pid != 0, err
}

// Tracer returns the pid of the process tracing pid, or 0 if pid is not
// traced.
func Tracer(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseTracerPid(f)
}

func parseTracerPid(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed TracerPid line: %s", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("failed to parse TracerPid value: %w", err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("TracerPid field not found")
}
