package proc

import "debug/elf"

// Arch describes the machine a snapshot was taken on.
type Arch struct {
	Name     string
	Machine  elf.Machine
	PtrSize  int
	PageSize uint64
}

// AMD64Arch is the x86-64 architecture.
var AMD64Arch = &Arch{Name: "amd64", Machine: elf.EM_X86_64, PtrSize: 8, PageSize: 4096}

// ARM64Arch is the 64bit ARM architecture.
var ARM64Arch = &Arch{Name: "arm64", Machine: elf.EM_AARCH64, PtrSize: 8, PageSize: 4096}

// WithPageSize returns a copy of a using pageSize.
func (a *Arch) WithPageSize(pageSize uint64) *Arch {
	r := *a
	r.PageSize = pageSize
	return &r
}
