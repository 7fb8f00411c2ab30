//go:build amd64 || arm64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(tid int) error {
	return sys.PtraceAttach(tid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont resumes tid, delivering sig if it is not 0.
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceGetSiginfo returns the siginfo_t of the signal that stopped tid.
func ptraceGetSiginfo(tid int) ([]byte, error) {
	siginfo := make([]byte, linutil.SiginfoSize)
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&siginfo[0])), 0, 0)
	if err != syscall.Errno(0) {
		return nil, err
	}
	return siginfo, nil
}

// ptraceGetRegset reads the register set identified by note type typ with
// PTRACE_GETREGSET into buf and returns the part of buf that was filled.
func ptraceGetRegset(tid int, typ uintptr, buf []byte) ([]byte, error) {
	iov := sys.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), typ, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return nil, err
	}
	return buf[:iov.Len], nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(pid int, addr uintptr, data []byte) (int, error) {
	len_iov := uint64(len(data))
	local_iov := sys.Iovec{Base: &data[0], Len: len_iov}
	remote_iov := remoteIovec{base: addr, len: uintptr(len_iov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
