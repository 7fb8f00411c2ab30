package native

import (
	"debug/elf"
	"syscall"

	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

var nativeArch = proc.ARM64Arch

// ptraceGetRegisters reads the general purpose and FP/SIMD register sets
// of a stopped thread. Must be called on the ptrace thread.
func ptraceGetRegisters(th *proc.Thread) error {
	regs, err := ptraceGetRegset(th.Tid, uintptr(elf.NT_PRSTATUS), make([]byte, linutil.ARM64RegsSize))
	if err != nil {
		return err
	}
	if len(regs) != linutil.ARM64RegsSize {
		return syscall.EIO
	}
	th.Regs = regs

	fpregs, err := ptraceGetRegset(th.Tid, uintptr(elf.NT_FPREGSET), make([]byte, linutil.ARM64FpRegsSize))
	switch err {
	case nil:
		th.FPRegs = fpregs
	case syscall.ENODEV:
		// no FP/SIMD unit
	default:
		return err
	}
	return nil
}
