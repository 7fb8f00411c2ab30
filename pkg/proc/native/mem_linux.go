//go:build amd64 || arm64

package native

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
)

// memReader reads the memory of a stopped process with process_vm_readv,
// falling back to /proc/<pid>/mem when the syscall is not available.
type memReader struct {
	pid int

	mu      sync.Mutex
	useFile bool
	memFile *os.File
}

var _ proc.MemoryReader = (*memReader)(nil)

func newMemReader(pid int) *memReader {
	return &memReader{pid: pid}
}

// ReadMemory implements proc.MemoryReader.
func (mem *memReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if !mem.useFile {
		n, err := processVmRead(mem.pid, uintptr(addr), buf)
		switch err {
		case nil:
			return n, nil
		case sys.ENOSYS, sys.EPERM:
			logflags.NativeLogger().Debugf("process_vm_readv unavailable (%v), reading /proc/%d/mem", err, mem.pid)
			mem.useFile = true
		default:
			return 0, mem.readError(addr, err)
		}
	}

	if mem.memFile == nil {
		f, err := os.Open(fmt.Sprintf("/proc/%d/mem", mem.pid))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, proc.ErrProcessGone
			}
			return 0, err
		}
		mem.memFile = f
	}
	n, err := mem.memFile.ReadAt(buf, int64(addr))
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, fmt.Errorf("%#x: %w", addr, proc.ErrUnreadableMemory)
	}
	if perr, ok := err.(*os.PathError); ok {
		err = perr.Err
	}
	return 0, mem.readError(addr, err)
}

func (mem *memReader) readError(addr uint64, err error) error {
	if err == sys.ESRCH || !mem.alive() {
		return proc.ErrProcessGone
	}
	return fmt.Errorf("%#x: %w (%v)", addr, proc.ErrUnreadableMemory, err)
}

func (mem *memReader) alive() bool {
	return sys.Kill(mem.pid, 0) != syscall.ESRCH
}

// Close releases the /proc/<pid>/mem file, if it was opened.
func (mem *memReader) Close() error {
	if mem == nil {
		return nil
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.memFile == nil {
		return nil
	}
	err := mem.memFile.Close()
	mem.memFile = nil
	return err
}
