package proc

// Backend attaches to live processes.
type Backend interface {
	// Attach stops every thread of the process identified by pid and
	// returns a view holding a snapshot taken while all of them were
	// stopped. On error no resources are held and the target is left
	// running.
	Attach(pid int) (ProcessView, error)
}

// ProcessView is a process stopped by a Backend.
//
// The snapshot returned by Snapshot stays valid after Detach, but the
// MemoryReader returned by Memory must not be used once the view has been
// detached.
type ProcessView interface {
	// Snapshot returns the state captured at attach time. The returned
	// value must not be modified.
	Snapshot() *Snapshot

	// Memory returns a reader for the address space of the stopped
	// process.
	Memory() MemoryReader

	// Detach resumes the target. It is safe to call more than once, only
	// the first call has an effect.
	Detach() error
}

// MemoryReader reads the address space of another process.
type MemoryReader interface {
	// ReadMemory reads up to len(buf) bytes starting at addr and returns
	// the number of leading bytes of buf that were filled.
	// A short count with a nil error means the memory past addr+n could
	// not be read. ErrUnreadableMemory is returned if no byte at addr is
	// readable and ErrProcessGone if the target no longer exists.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}
