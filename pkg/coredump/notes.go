package coredump

import (
	"debug/elf"
	"fmt"
	"io"
	"strings"

	"github.com/go-elfcore/elfcore/pkg/elfwriter"
	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

// NoteBuilder assembles the PT_NOTE segment of a core file: the process
// and thread notes derived from a snapshot followed by custom notes.
type NoteBuilder struct {
	custom []elfwriter.Note
}

// AddCustomFileNote reads source to EOF and appends its contents as a note
// with the given owner name and type. Custom notes are written after the
// standard ones, in the order they were added.
func (nb *NoteBuilder) AddCustomFileNote(name string, source io.Reader, typ uint32) error {
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("note name %q contains a NUL byte", name)
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return fmt.Errorf("%w: note %s/%d: %w", ErrNoteSourceRead, name, typ, err)
	}
	if data == nil {
		data = []byte{}
	}
	nb.custom = append(nb.custom, elfwriter.Note{Type: elf.NType(typ), Name: name, Data: data})
	return nil
}

// Build returns the notes of a core file for snap:
//
//	NT_PRPSINFO, NT_AUXV, NT_FILE (if any mapping is file backed)
//	for each thread, leader first:
//		NT_PRSTATUS, NT_FPREGSET, NT_X86_XSTATE (amd64), NT_SIGINFO
//	custom notes
//
// The output only depends on snap and on the custom notes.
func (nb *NoteBuilder) Build(snap *proc.Snapshot) ([]elfwriter.Note, error) {
	var regsSize int
	switch snap.Arch.Machine {
	case elf.EM_X86_64:
		regsSize = linutil.AMD64RegsSize
	case elf.EM_AARCH64:
		regsSize = linutil.ARM64RegsSize
	default:
		return nil, fmt.Errorf("%w: %v", proc.ErrUnsupportedArch, snap.Arch.Machine)
	}

	notes := []elfwriter.Note{
		{Type: elf.NT_PRPSINFO, Name: elfwriter.CoreNoteName, Data: linutil.EncodePrPsInfo(&snap.Info)},
		{Type: linutil.NT_AUXV, Name: elfwriter.CoreNoteName, Data: linutil.EncodeAuxv(snap.Auxv, snap.Arch.PtrSize)},
	}
	if files := linutil.EncodeFileNote(snap.Mappings, snap.Arch.PageSize); files != nil {
		notes = append(notes, elfwriter.Note{Type: linutil.NT_FILE, Name: elfwriter.CoreNoteName, Data: files})
	}

	for i := range snap.Threads {
		th := &snap.Threads[i]
		prstatus, err := linutil.EncodePrStatus(th, &snap.Info, regsSize)
		if err != nil {
			return nil, err
		}
		notes = append(notes, elfwriter.Note{Type: elf.NT_PRSTATUS, Name: elfwriter.CoreNoteName, Data: prstatus})
		if th.FPRegs != nil {
			notes = append(notes, elfwriter.Note{Type: elf.NT_FPREGSET, Name: elfwriter.CoreNoteName, Data: th.FPRegs})
		}
		if th.XState != nil && snap.Arch.Machine == elf.EM_X86_64 {
			notes = append(notes, elfwriter.Note{Type: linutil.NT_X86_XSTATE, Name: elfwriter.LinuxNoteName, Data: th.XState})
		}
		notes = append(notes, elfwriter.Note{Type: linutil.NT_SIGINFO, Name: elfwriter.CoreNoteName, Data: linutil.EncodeSiginfo(&th.SigInfo)})
	}

	return append(notes, nb.custom...), nil
}
