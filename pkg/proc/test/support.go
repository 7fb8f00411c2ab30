package test

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// targetEnv is set in the environment of the copy of the test binary that
// acts as a capture target.
const targetEnv = "ELFCORE_TEST_TARGET"

// PatternSize is the size of the pattern-filled buffer of a target.
const PatternSize = 3*4096 + 100

// PatternByte returns the expected content of byte i of the target's
// pattern buffer.
func PatternByte(i int) byte {
	return byte(i*7 + 3)
}

var pattern []byte

// RunTestsWithTarget runs the tests of the package, unless the test binary
// was started by StartTarget, in which case it behaves as a target process
// and never returns.
func RunTestsWithTarget(m *testing.M) int {
	if n, err := strconv.Atoi(os.Getenv(targetEnv)); err == nil {
		runTarget(n)
	}
	return m.Run()
}

func runTarget(threads int) {
	pattern = make([]byte, PatternSize)
	for i := range pattern {
		pattern[i] = PatternByte(i)
	}
	started := make(chan struct{})
	for i := 0; i < threads; i++ {
		go func() {
			runtime.LockOSThread()
			started <- struct{}{}
			select {}
		}()
	}
	for i := 0; i < threads; i++ {
		<-started
	}
	fmt.Printf("%d %d\n", uintptr(unsafe.Pointer(&pattern[0])), len(pattern))
	for {
		time.Sleep(time.Second)
		runtime.KeepAlive(pattern)
	}
}

// Target is a copy of the test binary running as a capture target.
type Target struct {
	Pid int

	// PatternAddr is the address of a PatternSize bytes long buffer,
	// byte i of which is PatternByte(i).
	PatternAddr uint64

	cmd *exec.Cmd
}

// StartTarget starts a target process with at least threads extra threads
// and waits until it is ready. The target is killed when the test ends.
func StartTarget(t testing.TB, threads int) *Target {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("capturing live processes is only supported on linux")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", targetEnv, threads))
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	tgt := &Target{Pid: cmd.Process.Pid, cmd: cmd}
	t.Cleanup(tgt.kill)

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("reading target output: %v", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		t.Fatalf("unexpected target output %q", line)
	}
	if tgt.PatternAddr, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		t.Fatalf("unexpected target output %q: %v", line, err)
	}
	return tgt
}

func (tgt *Target) kill() {
	_ = tgt.cmd.Process.Kill()
	_ = tgt.cmd.Wait()
}

// Tasks returns the ids of the threads of the target.
func (tgt *Target) Tasks(t testing.TB) []int {
	t.Helper()
	des, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", tgt.Pid))
	if err != nil {
		t.Fatal(err)
	}
	var r []int
	for _, de := range des {
		if tid, err := strconv.Atoi(de.Name()); err == nil {
			r = append(r, tid)
		}
	}
	return r
}

// State returns the state letter of the target.
func (tgt *Target) State(t testing.TB) byte {
	t.Helper()
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", tgt.Pid))
	if err != nil {
		t.Fatal(err)
	}
	i := strings.LastIndexByte(string(buf), ')')
	if i < 0 || i+2 >= len(buf) {
		t.Fatalf("malformed stat %q", buf)
	}
	return buf[i+2]
}

// SkipIfNotPermitted skips the test if err says that we are not allowed
// to trace other processes.
func SkipIfNotPermitted(t testing.TB, err error) {
	t.Helper()
	if errors.Is(err, proc.ErrPermissionDenied) {
		t.Skipf("ptrace not permitted: %v", err)
	}
}
