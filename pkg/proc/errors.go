package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when the requested pid does not exist.
	ErrProcessNotFound = errors.New("process not found")
	// ErrPermissionDenied is returned when the caller is not allowed to
	// trace the target.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrProcessGone is returned when the target exits while it is being
	// captured.
	ErrProcessGone = errors.New("process exited during capture")
	// ErrUnreadableMemory is returned when a memory range can not be read
	// at all.
	ErrUnreadableMemory = errors.New("memory not readable")
	// ErrUnsupportedArch is returned for targets whose register layout is
	// unknown.
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrUnsupportedPlatform is returned by backends that can not capture
	// processes on the current operating system.
	ErrUnsupportedPlatform = errors.New("capturing live processes is not supported on this platform")
)

// AttachError describes a failed process control operation on a single
// task of the target.
type AttachError struct {
	Pid int
	Tid int
	Op  string
	Err error
}

func (e *AttachError) Error() string {
	if e.Tid != 0 && e.Tid != e.Pid {
		return fmt.Sprintf("%s on thread %d of process %d: %v", e.Op, e.Tid, e.Pid, e.Err)
	}
	return fmt.Sprintf("%s on process %d: %v", e.Op, e.Pid, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
