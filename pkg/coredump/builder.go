package coredump

import (
	"fmt"
	"io"

	"github.com/go-elfcore/elfcore/pkg/elfwriter"
	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
)

type builderState uint8

const (
	stateConstructed builderState = iota
	stateWriting
	stateDone
	stateFailed
)

func (s builderState) String() string {
	switch s {
	case stateConstructed:
		return "constructed"
	case stateWriting:
		return "writing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("builderState(%d)", uint8(s))
}

// Stats describes the last core file written by a Builder.
type Stats struct {
	Threads  int
	Notes    int
	Segments int

	// EmptySegments is the number of segments written without contents,
	// because the mapping was not dumpable, was excluded by the coredump
	// filter or could not be read at all.
	EmptySegments int

	// DegradedSegments is the number of segments containing pages that
	// could not be read and were written as zeroes, DegradedBytes is the
	// total size of those pages.
	DegradedSegments int
	DegradedBytes    uint64

	BytesWritten int64
}

type options struct {
	chunkSize int
	useFilter bool
	log       logflags.Logger
}

// Option configures a Builder.
type Option func(*options)

// WithChunkSize sets the size of the buffer used to copy memory from the
// target to the core file.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithCoredumpFilter makes the Builder honor /proc/<pid>/coredump_filter
// when deciding which mappings to write, like the kernel does.
func WithCoredumpFilter(enabled bool) Option {
	return func(o *options) {
		o.useFilter = enabled
	}
}

// WithLogger sets the logger used by the Builder.
func WithLogger(log logflags.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Builder writes the core file of a process. The process is stopped by
// New and stays stopped until Write or Close are called, so that the core
// file describes the state of the process at the time New was called.
type Builder struct {
	pid   int
	view  proc.ProcessView
	notes NoteBuilder
	opts  options
	state builderState
	stats Stats
}

// New attaches to the process pid using backend and captures its state.
// If New fails the process is not left attached.
func New(pid int, backend proc.Backend, opts ...Option) (*Builder, error) {
	b := &Builder{
		pid: pid,
		opts: options{
			chunkSize: proc.DefaultChunkSize,
			log:       logflags.CoreLogger(),
		},
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	b.opts.log = b.opts.log.WithField("pid", pid)

	view, err := backend.Attach(pid)
	if err != nil {
		return nil, err
	}
	b.view = view
	snap := view.Snapshot()
	b.opts.log.Debugf("captured %d threads and %d mappings", len(snap.Threads), len(snap.Mappings))
	return b, nil
}

// AddCustomFileNote adds a note with the given owner name and type whose
// descriptor is the contents of source, read to EOF immediately.
func (b *Builder) AddCustomFileNote(name string, source io.Reader, typ uint32) error {
	if b.state != stateConstructed {
		return fmt.Errorf("%w (%v)", ErrBuilderFinished, b.state)
	}
	return b.notes.AddCustomFileNote(name, source, typ)
}

// Write writes the core file to sink and resumes the process, whether
// writing succeeds or not. It returns the number of bytes written to sink.
// Write can only be called once.
func (b *Builder) Write(sink io.Writer) (n int64, err error) {
	if b.state != stateConstructed {
		return 0, fmt.Errorf("%w (%v)", ErrBuilderFinished, b.state)
	}
	b.state = stateWriting
	b.stats = Stats{}

	defer func() {
		if ierr := recover(); ierr != nil {
			err = newInternalError(ierr, 2)
		}
		if derr := b.view.Detach(); derr != nil {
			if err == nil {
				err = fmt.Errorf("detaching from process %d: %w", b.pid, derr)
			} else {
				b.opts.log.Errorf("could not detach: %v", derr)
			}
		}
		if err != nil {
			b.state = stateFailed
		} else {
			b.state = stateDone
		}
		n = b.stats.BytesWritten
	}()

	return 0, b.write(sink)
}

func (b *Builder) write(sink io.Writer) error {
	log := b.opts.log
	snap := b.view.Snapshot()
	mem := b.view.Memory()

	notes, err := b.notes.Build(snap)
	if err != nil {
		return err
	}
	l, err := planLayout(snap, notes, mem, b.opts.useFilter, log)
	if err != nil {
		return err
	}
	b.stats.Threads = len(snap.Threads)
	b.stats.Notes = len(notes)
	b.stats.Segments = len(l.segments)

	progs := l.progs()
	w := elfwriter.New(sink, &l.fhdr, len(progs), int64(l.shoff))
	w.Progs = progs
	w.WriteProgramHeaders()
	w.WriteNotes(l.notes)
	if w.Err != nil {
		b.stats.BytesWritten = w.Here()
		return fmt.Errorf("%w: %w", ErrSinkWrite, w.Err)
	}

	buf := make([]byte, b.opts.chunkSize)
	for i := range l.segments {
		seg := &l.segments[i]
		if seg.prog.Filesz == 0 {
			b.stats.EmptySegments++
			continue
		}
		w.PadTo(int64(seg.prog.Off))
		degraded, err := b.writeSegment(w, mem, seg, buf, snap.Arch.PageSize)
		if degraded > 0 {
			b.stats.DegradedSegments++
			b.stats.DegradedBytes += degraded
			log.Warnf("mapping %v: %d bytes could not be read and were replaced with zeroes", seg.mapping, degraded)
		}
		if err != nil {
			b.stats.BytesWritten = w.Here()
			return err
		}
	}
	if w.ExtendedNumbering() {
		w.PadTo(int64(l.shoff))
		w.WriteExtendedNumbering()
	}
	b.stats.BytesWritten = w.Here()
	if w.Err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, w.Err)
	}
	if uint64(w.Here()) != l.size {
		return fmt.Errorf("internal error, wrote %d bytes, expected %d", w.Here(), l.size)
	}

	log.Debugf("wrote %d bytes (%d segments, %d empty, %d degraded)", w.Here(), b.stats.Segments, b.stats.EmptySegments, b.stats.DegradedSegments)
	return nil
}

// writeSegment copies the contents of seg from the target to w, one chunk
// at a time. It returns the number of bytes that could not be read.
func (b *Builder) writeSegment(w *elfwriter.Writer, mem proc.MemoryReader, seg *segment, buf []byte, pageSize uint64) (uint64, error) {
	var degraded uint64
	addr := seg.prog.Vaddr
	sz := seg.prog.Filesz
	for sz > 0 {
		chunk := buf
		if uint64(len(chunk)) > sz {
			chunk = chunk[:sz]
		}
		n, err := proc.ReadBestEffort(mem, chunk, addr, pageSize)
		if err != nil {
			return degraded, fmt.Errorf("reading mapping %v: %w", seg.mapping, err)
		}
		degraded += uint64(len(chunk) - n)
		w.Write(chunk)
		if w.Err != nil {
			return degraded, fmt.Errorf("%w: %w", ErrSinkWrite, w.Err)
		}
		addr += uint64(len(chunk))
		sz -= uint64(len(chunk))
	}
	return degraded, nil
}

// Close resumes the process without writing a core file. It does nothing
// if Write has already been called.
func (b *Builder) Close() error {
	if b.state != stateConstructed {
		return nil
	}
	b.state = stateDone
	return b.view.Detach()
}

// Stats returns the counters of the last call to Write.
func (b *Builder) Stats() Stats {
	return b.stats
}

// Dump writes the core file of pid to sink. The process is resumed before
// Dump returns.
func Dump(pid int, backend proc.Backend, sink io.Writer, opts ...Option) (Stats, error) {
	b, err := New(pid, backend, opts...)
	if err != nil {
		return Stats{}, err
	}
	_, err = b.Write(sink)
	return b.Stats(), err
}
