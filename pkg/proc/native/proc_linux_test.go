//go:build amd64 || arm64

package native

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-elfcore/elfcore/pkg/logflags"
	"github.com/go-elfcore/elfcore/pkg/proc"
	protest "github.com/go-elfcore/elfcore/pkg/proc/test"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithTarget(m))
}

func attach(t *testing.T, pid int) proc.ProcessView {
	t.Helper()
	view, err := Backend{}.Attach(pid)
	protest.SkipIfNotPermitted(t, err)
	if err != nil {
		t.Fatalf("Attach(%d): %v", pid, err)
	}
	return view
}

func TestAttachNonexistent(t *testing.T) {
	for _, pid := range []int{-1, 0, 1 << 30} {
		_, err := Backend{}.Attach(pid)
		if !errors.Is(err, proc.ErrProcessNotFound) {
			t.Errorf("Attach(%d): got %v, want ErrProcessNotFound", pid, err)
		}
	}
}

func TestAttachSnapshot(t *testing.T) {
	tgt := protest.StartTarget(t, 3)
	view := attach(t, tgt.Pid)
	defer view.Detach()

	if s := tgt.State(t); s != 't' && s != 'T' {
		t.Errorf("target not stopped after attach, state %c", s)
	}

	snap := view.Snapshot()
	if snap.Pid != tgt.Pid || snap.Info.Pid != tgt.Pid {
		t.Errorf("wrong pid %d/%d", snap.Pid, snap.Info.Pid)
	}
	if snap.Info.Ppid != os.Getpid() {
		t.Errorf("ppid %d, expected %d", snap.Info.Ppid, os.Getpid())
	}
	if len(snap.Info.Args) == 0 || snap.Info.Comm == "" {
		t.Errorf("missing command line %q or name %q", snap.Info.Args, snap.Info.Comm)
	}

	tasks := tgt.Tasks(t)
	if len(snap.Threads) != len(tasks) {
		t.Fatalf("got %d threads, target has %d", len(snap.Threads), len(tasks))
	}
	if len(snap.Threads) < 4 {
		t.Errorf("expected at least 4 threads, got %d", len(snap.Threads))
	}
	if snap.Threads[0].Tid != tgt.Pid {
		t.Errorf("first thread is %d, expected the leader %d", snap.Threads[0].Tid, tgt.Pid)
	}
	for _, th := range snap.Threads {
		if len(th.Regs) == 0 {
			t.Errorf("thread %d: no registers", th.Tid)
		}
		if th.SigInfo.Signo == 0 {
			t.Errorf("thread %d: no stop signal", th.Tid)
		}
	}

	if len(snap.Mappings) == 0 || len(snap.Auxv) == 0 {
		t.Fatalf("missing mappings (%d) or auxv (%d)", len(snap.Mappings), len(snap.Auxv))
	}
	if err := snap.Validate(); err != nil {
		t.Error(err)
	}

	buf := make([]byte, protest.PatternSize)
	n, err := proc.ReadBestEffort(view.Memory(), buf, tgt.PatternAddr, snap.Arch.PageSize)
	if err != nil || n != len(buf) {
		t.Fatalf("reading pattern: %d %v", n, err)
	}
	for i := range buf {
		if buf[i] != protest.PatternByte(i) {
			t.Fatalf("pattern mismatch at %d: %#x", i, buf[i])
		}
	}

	if _, err := view.Memory().ReadMemory(buf[:16], 0); !errors.Is(err, proc.ErrUnreadableMemory) {
		t.Errorf("reading address 0: %v", err)
	}
}

func TestDetachResumes(t *testing.T) {
	tgt := protest.StartTarget(t, 1)
	view := attach(t, tgt.Pid)
	if err := view.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := view.Detach(); err != nil {
		t.Errorf("second Detach: %v", err)
	}
	// the SIGSTOP sent when attaching must not stop the target later
	for i := 0; i < 20; i++ {
		if s := tgt.State(t); s == 't' || s == 'T' {
			t.Fatalf("target stopped %v after detach, state %c", time.Duration(i)*10*time.Millisecond, s)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a process can only have one tracer, attaching again proves that we
	// detached from every thread
	view = attach(t, tgt.Pid)
	if err := view.Detach(); err != nil {
		t.Fatal(err)
	}
}

func TestAttachTraced(t *testing.T) {
	tgt := protest.StartTarget(t, 1)
	view := attach(t, tgt.Pid)
	defer view.Detach()

	_, err := Backend{}.Attach(tgt.Pid)
	if !errors.Is(err, proc.ErrPermissionDenied) {
		t.Fatalf("second attach: got %v, want ErrPermissionDenied", err)
	}
	if !strings.Contains(err.Error(), "already traced") {
		t.Errorf("error does not name the tracer: %v", err)
	}
	if s := tgt.State(t); s != 't' && s != 'T' {
		t.Errorf("failed attach resumed the target, state %c", s)
	}
}

func TestAttachStopSignals(t *testing.T) {
	tests := []struct {
		name        string
		stops       []sys.Signal
		wantSig     int
		wantRequeue []int
	}{
		{"only SIGSTOP", []sys.Signal{sys.SIGSTOP}, 0, nil},
		{"one signal first", []sys.Signal{sys.SIGCHLD, sys.SIGSTOP}, int(sys.SIGCHLD), []int{}},
		{"several signals first", []sys.Signal{sys.SIGHUP, sys.SIGUSR1, sys.SIGCHLD, sys.SIGSTOP}, int(sys.SIGHUP), []int{int(sys.SIGUSR1), int(sys.SIGCHLD)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			th := &nativeThread{ID: 1}
			for i, sig := range tc.stops {
				done := th.recordStop(int(sig))
				if last := i == len(tc.stops)-1; done != last {
					t.Fatalf("recordStop(%v) = %v", sig, done)
				}
			}
			if !th.attachStopped {
				t.Errorf("SIGSTOP not recorded")
			}
			sig, requeue := th.detachSignal()
			if sig != tc.wantSig || len(requeue) != len(tc.wantRequeue) {
				t.Fatalf("detachSignal() = %d, %v, expected %d, %v", sig, requeue, tc.wantSig, tc.wantRequeue)
			}
			for i := range requeue {
				if requeue[i] != tc.wantRequeue[i] {
					t.Errorf("requeue[%d] = %d, expected %d", i, requeue[i], tc.wantRequeue[i])
				}
			}
		})
	}

	th := &nativeThread{ID: 1}
	th.recordStop(int(sys.SIGCHLD))
	if th.attachStopped {
		t.Errorf("SIGCHLD taken for the attach SIGSTOP")
	}
}

func TestAttachLogsMappings(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "native.log")
	if err := logflags.Setup(true, "native", logFile); err != nil {
		t.Fatal(err)
	}
	defer func() {
		logflags.Close()
		logflags.Setup(false, "", "")
	}()

	tgt := protest.StartTarget(t, 1)
	view := attach(t, tgt.Pid)
	if err := view.Detach(); err != nil {
		t.Fatal(err)
	}
	logflags.Close()

	buf, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"layer=native", "mapping 0x", "coredump_filter"} {
		if !strings.Contains(string(buf), want) {
			t.Errorf("log does not contain %q:\n%s", want, buf)
		}
	}
}
