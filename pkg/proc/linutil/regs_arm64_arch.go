package linutil

import (
	"bytes"
	"encoding/binary"
)

// ARM64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for ARM64 CPUs.
// copy from sys/unix/ztypes_linux_arm64.go:735
type ARM64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// ARM64RegsSize is the size of elf_gregset_t on arm64.
const ARM64RegsSize = 34 * 8

// ARM64FpRegsSize is the size of user_fpsimd_state.
const ARM64FpRegsSize = 32*16 + 4 + 4 + 8

// Bytes returns the registers in elf_gregset_t layout.
func (r *ARM64PtraceRegs) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// PC returns the value of the PC register.
func (r *ARM64PtraceRegs) PC() uint64 {
	return r.Pc
}

// SP returns the value of the SP register.
func (r *ARM64PtraceRegs) SP() uint64 {
	return r.Sp
}
