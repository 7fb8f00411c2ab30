//go:build amd64 || arm64

package native

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/debugdetect"
	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
	"github.com/go-elfcore/elfcore/pkg/proc/linutil"
)

// Process statuses
const (
	statusZombie = 'Z'

	// Job control stop. Kernel 2.6 also used 'T' for tracing stop.
	statusStopped = 'T'
)

// Attach stops every thread of pid and captures its state. On error
// nothing is left attached.
func (Backend) Attach(pid int) (proc.ProcessView, error) {
	log := logflags.NativeLogger()

	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", proc.ErrProcessNotFound, pid)
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("looking up process %d: %w", pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", proc.ErrProcessNotFound, pid)
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if tgid, err := p.Tgid(); err == nil && tgid != 0 && int(tgid) != pid {
			return nil, fmt.Errorf("%w: %d is a thread of process %d", proc.ErrProcessNotFound, pid, tgid)
		}
	}

	dbp := newProcess(pid)
	dbp.mem = newMemReader(pid)
	dbp.stoppedBefore = status(pid) == statusStopped

	if err := dbp.attachAll(); err != nil {
		log.Debugf("attach to %d failed: %v", pid, err)
		if derr := dbp.Detach(); derr != nil {
			log.Errorf("could not detach from %d: %v", pid, derr)
		}
		return nil, err
	}
	log.Debugf("attached to %d threads of process %d", len(dbp.threads), pid)

	if err := dbp.capture(); err != nil {
		log.Debugf("capturing %d failed: %v", pid, err)
		if derr := dbp.Detach(); derr != nil {
			log.Errorf("could not detach from %d: %v", pid, derr)
		}
		return nil, err
	}
	return dbp, nil
}

// attachAll attaches to every thread of the process. Threads can be
// created while we attach so the thread list is read again until a pass
// finds no new thread, at that point every thread is stopped and none can
// be created anymore.
func (dbp *nativeProcess) attachAll() error {
	exited := make(map[int]bool)
	for {
		tids, err := listTasks(dbp.pid)
		if err != nil {
			return &proc.AttachError{Pid: dbp.pid, Op: "listing threads", Err: err}
		}
		sort.Ints(tids)
		added := false
		for _, tid := range tids {
			if _, ok := dbp.threads[tid]; ok || exited[tid] {
				continue
			}
			added = true
			th, err := dbp.addThread(tid)
			if err != nil {
				return err
			}
			if th == nil {
				exited[tid] = true
			}
		}
		if !added {
			break
		}
	}
	if _, ok := dbp.threads[dbp.pid]; !ok {
		return &proc.AttachError{Pid: dbp.pid, Tid: dbp.pid, Op: "attach", Err: proc.ErrProcessGone}
	}
	return nil
}

// addThread attaches to tid and waits for it to stop. It returns nil, nil
// if tid is not the thread group leader and exited before it could be
// stopped.
func (dbp *nativeProcess) addThread(tid int) (*nativeThread, error) {
	log := logflags.NativeLogger()
	leader := tid == dbp.pid

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil {
		switch {
		case err == sys.ESRCH && !leader:
			log.Debugf("thread %d exited before attach", tid)
			return nil, nil
		case err == sys.ESRCH:
			return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "attach", Err: proc.ErrProcessGone}
		case err == sys.EPERM:
			if tracer, terr := debugdetect.Tracer(tid); terr == nil && tracer != 0 {
				return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "attach", Err: fmt.Errorf("%w: already traced by process %d", proc.ErrPermissionDenied, tracer)}
			}
			return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "attach", Err: fmt.Errorf("%w (%v)", proc.ErrPermissionDenied, err)}
		default:
			return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "attach", Err: err}
		}
	}

	// Remember the thread right away, even if waiting fails we are
	// tracing it and must detach from it.
	th := &nativeThread{ID: tid}
	dbp.threads[tid] = th
	dbp.tids = append(dbp.tids, tid)

	// Signals already queued for the thread can be delivered before the
	// SIGSTOP sent by PTRACE_ATTACH. Each of them stops the thread, we
	// take it away and let the thread run until it dequeues the SIGSTOP.
	for stops := 0; ; stops++ {
		_, ws, err := dbp.wait(tid)
		if err != nil {
			return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "wait", Err: err}
		}
		if ws == nil || ws.Exited() || ws.Signaled() {
			dbp.forget(tid)
			if leader {
				return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "wait", Err: proc.ErrProcessGone}
			}
			log.Debugf("thread %d exited while attaching", tid)
			return nil, nil
		}
		if !ws.Stopped() || th.recordStop(int(ws.StopSignal())) {
			break
		}
		if stops >= maxAttachStops {
			log.Warnf("thread %d: SIGSTOP not received after %d signals", tid, stops+1)
			break
		}
		dbp.execPtraceFunc(func() { err = ptraceCont(tid, 0) })
		if err != nil && err != sys.ESRCH {
			return nil, &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "resume", Err: err}
		}
	}
	log.Debugf("stopped thread %d (pending signals %v)", tid, th.pending)
	return th, nil
}

// maxAttachStops bounds the number of signals a thread can receive while
// we wait for the SIGSTOP sent by PTRACE_ATTACH.
const maxAttachStops = 64

// recordStop records a signal that stopped th while attaching and returns
// true if it is the SIGSTOP sent by PTRACE_ATTACH.
func (th *nativeThread) recordStop(sig int) bool {
	if sig == int(sys.SIGSTOP) {
		th.attachStopped = true
		return true
	}
	th.pending = append(th.pending, sig)
	return false
}

// detachSignal returns the signal to deliver with PTRACE_DETACH and the
// pending signals that have to be queued again before it.
func (th *nativeThread) detachSignal() (sig int, requeue []int) {
	if len(th.pending) == 0 {
		return 0, nil
	}
	return th.pending[0], th.pending[1:]
}

func (dbp *nativeProcess) forget(tid int) {
	delete(dbp.threads, tid)
	for i := range dbp.tids {
		if dbp.tids[i] == tid {
			dbp.tids = append(dbp.tids[:i], dbp.tids[i+1:]...)
			break
		}
	}
}

// wait waits for tid to change state.
// If we call wait4/waitpid on a thread that is the leader of its group,
// while ptracing and the thread leader has exited leaving zombies of its
// own then waitpid hangs forever, this is apparently intended behaviour in
// the linux kernel. Therefore we call wait4 in a loop with WNOHANG,
// sleeping a while between calls and exiting when either wait4 succeeds or
// we find out that the thread has become a zombie.
// References:
// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
func (dbp *nativeProcess) wait(tid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if tid != dbp.pid {
		wpid, err := sys.Wait4(tid, &s, sys.WALL, nil)
		return wpid, &s, err
	}
	for {
		wpid, err := sys.Wait4(tid, &s, sys.WNOHANG|sys.WALL, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, nil
		}
		if status(tid) == statusZombie {
			return tid, nil, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// capture reads the state of the stopped process.
func (dbp *nativeProcess) capture() error {
	snap := &proc.Snapshot{Pid: dbp.pid, Arch: nativeArch}

	info, err := processInfo(dbp.pid)
	if err != nil {
		return err
	}
	snap.Info = info

	auxvbuf, err := readProcFile(dbp.pid, "auxv")
	if err != nil {
		return err
	}
	if snap.Auxv, err = linutil.ParseAuxv(auxvbuf, nativeArch.PtrSize); err != nil {
		return err
	}
	if pageSize := linutil.PageSizeFromAuxv(snap.Auxv); pageSize != 0 && pageSize != nativeArch.PageSize {
		snap.Arch = nativeArch.WithPageSize(pageSize)
	}

	if snap.Mappings, err = readMappings(dbp.pid); err != nil {
		return err
	}
	snap.CoredumpFilter = readCoredumpFilter(dbp.pid)
	if logflags.Native() {
		log := logflags.NativeLogger()
		for i := range snap.Mappings {
			log.Debugf("mapping %v", &snap.Mappings[i])
		}
		log.Debugf("coredump_filter %#x", uint32(snap.CoredumpFilter))
	}

	times := threadTimes(dbp.pid)
	for _, tid := range dbp.tids {
		th := proc.Thread{Tid: tid}
		dbp.execPtraceFunc(func() { err = readThread(&th) })
		if err != nil {
			if err == sys.ESRCH {
				err = proc.ErrProcessGone
			}
			return &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "reading registers", Err: err}
		}
		if t, ok := times[tid]; ok {
			th.UserTime, th.SystemTime = t[0], t[1]
		}
		snap.Threads = append(snap.Threads, th)
	}
	snap.SortThreads()

	if err := snap.Validate(); err != nil {
		return err
	}
	dbp.snapshot = snap
	return nil
}

// readThread reads the registers and the pending signal of a stopped
// thread. Must be called on the ptrace thread.
func readThread(th *proc.Thread) error {
	if err := ptraceGetRegisters(th); err != nil {
		return err
	}
	siginfo, err := ptraceGetSiginfo(th.Tid)
	if err != nil {
		if errors.Is(err, sys.ESRCH) {
			return err
		}
		// EINVAL is returned for a group-stop, the signal is SIGSTOP.
		th.SigInfo = proc.SigInfo{Signo: int32(sys.SIGSTOP)}
		return nil
	}
	th.SigInfo = linutil.ParseSiginfo(siginfo)
	return nil
}

// detach detaches from every attached thread, giving back the signals
// taken away while attaching. Must be called on the ptrace thread.
func (dbp *nativeProcess) detach() error {
	log := logflags.NativeLogger()
	var firstErr error
	consumed := true
	for _, tid := range dbp.tids {
		th := dbp.threads[tid]
		consumed = consumed && th.attachStopped
		sig, requeue := th.detachSignal()
		for _, s := range requeue {
			if err := sys.Tgkill(dbp.pid, tid, sys.Signal(s)); err != nil && err != sys.ESRCH {
				log.Errorf("could not give back signal %d to thread %d: %v", s, tid, err)
			}
		}
		err := ptraceDetach(tid, sig)
		if err != nil && err != sys.ESRCH {
			log.Errorf("could not detach thread %d: %v", tid, err)
			if firstErr == nil {
				firstErr = &proc.AttachError{Pid: dbp.pid, Tid: tid, Op: "detach", Err: err}
			}
		}
	}
	if len(dbp.tids) == 0 {
		return firstErr
	}
	log.Debugf("detached from %d threads of process %d", len(dbp.tids), dbp.pid)

	if dbp.stoppedBefore || consumed {
		return firstErr
	}
	// A SIGSTOP sent by PTRACE_ATTACH is still queued and will put the
	// process in job control stop after the detach, not immediately
	// either. Wait a bit, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid); s == statusStopped {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	return firstErr
}
