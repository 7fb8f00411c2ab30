//go:build linux && (amd64 || arm64)

package native

import (
	"runtime"
	"sync"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// Backend captures live processes using ptrace(2).
type Backend struct{}

var _ proc.Backend = Backend{}

// nativeProcess is a process whose threads have all been stopped with
// PTRACE_ATTACH. It implements proc.ProcessView.
type nativeProcess struct {
	pid int

	// stoppedBefore is set if the process was already in job control
	// stop when we attached to it.
	stoppedBefore bool

	// threads maps the id of every attached thread to its state, tids
	// records the order in which they were attached.
	threads map[int]*nativeThread
	tids    []int

	snapshot *proc.Snapshot
	mem      *memReader

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	detachOnce sync.Once
	detachErr  error
}

// nativeThread is a thread stopped by PTRACE_ATTACH.
type nativeThread struct {
	ID int

	// pending holds the signals other than the SIGSTOP sent by
	// PTRACE_ATTACH that were delivered to the thread while we waited for
	// it to stop. They are given back to the thread when we detach.
	pending []int

	// attachStopped is set once the thread has dequeued the SIGSTOP sent
	// by PTRACE_ATTACH.
	attachStopped bool
}

// newProcess returns an initialized nativeProcess struct. Before
// returning, it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *nativeProcess {
	dbp := &nativeProcess{
		pid:            pid,
		threads:        make(map[int]*nativeThread),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// handlePtraceFuncs runs every ptrace request on the same OS thread. The
// kernel only accepts ptrace requests for a tracee from the thread that
// attached to it.
func (dbp *nativeProcess) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *nativeProcess) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// Snapshot returns the state captured while the process was stopped.
func (dbp *nativeProcess) Snapshot() *proc.Snapshot {
	return dbp.snapshot
}

// Memory returns a reader for the address space of the process.
func (dbp *nativeProcess) Memory() proc.MemoryReader {
	return dbp.mem
}

// Detach resumes every thread of the process. Only the first call has an
// effect, later calls return the same result.
func (dbp *nativeProcess) Detach() error {
	dbp.detachOnce.Do(func() {
		dbp.execPtraceFunc(func() { dbp.detachErr = dbp.detach() })
		close(dbp.ptraceChan)
		dbp.mem.Close()
	})
	return dbp.detachErr
}
