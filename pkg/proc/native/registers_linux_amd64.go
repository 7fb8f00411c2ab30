package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/amd64util"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

var nativeArch = proc.AMD64Arch

const _NT_X86_XSTATE = 0x202

// ptraceGetRegisters reads the general purpose, x87/SSE and extended
// register sets of a stopped thread. Must be called on the ptrace thread.
func ptraceGetRegisters(th *proc.Thread) error {
	var regs linutil.AMD64PtraceRegs
	if err := sys.PtraceGetRegs(th.Tid, (*sys.PtraceRegs)(unsafe.Pointer(&regs))); err != nil {
		return err
	}
	th.Regs = regs.Bytes()

	fpregs := make([]byte, amd64util.FpRegsSize)
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(th.Tid), 0, uintptr(unsafe.Pointer(&fpregs[0])), 0, 0)
	switch errno {
	case syscall.Errno(0):
		th.FPRegs = fpregs
	case syscall.ENODEV:
		// no x87 registers
	default:
		return errno
	}

	xstate, err := ptraceGetRegset(th.Tid, _NT_X86_XSTATE, make([]byte, amd64util.XstateMaxSize))
	if err != nil {
		if err == syscall.ENODEV || err == syscall.EIO || err == syscall.EINVAL {
			// ENODEV: this CPU or kernel doesn't support XSTATE
			// EIO: PTRACE_GETREGSET not implemented (pre 2.6.34)
			// EINVAL: NT_X86_XSTATE not supported by PTRACE_GETREGSET
			return nil
		}
		return err
	}
	th.XState = amd64util.MergeLegacyRegion(xstate, th.FPRegs)
	return nil
}
