package linutil

import (
	"reflect"
	"testing"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

const smapsFixture = `55d0c6a00000-55d0c6a02000 r--p 00000000 08:01 1311240                    /usr/bin/sleep
Size:                  8 kB
VmFlags: rd mr mw me dw sd 
55d0c6a02000-55d0c6a06000 r-xp 00002000 08:01 1311240                    /usr/bin/sleep
Size:                 16 kB
VmFlags: rd ex mr mw me dw sd 
7f1c2a000000-7f1c2a021000 rw-p 00000000 00:00 0 
Size:                132 kB
VmFlags: rd wr mr mw me nr sd 
7f1c2b000000-7f1c2b001000 rw-s 00000000 00:01 2051                       /dev/zero (deleted)
VmFlags: rd wr sh mr mw me ms sd 
7ffd4c5a3000-7ffd4c5c4000 rw-p 00000000 00:00 0                          [stack]
Size:                132 kB
VmFlags: rd wr mr mw me gd ac 
7ffd4c5fa000-7ffd4c5fe000 r--p 00000000 00:00 0                          [vvar]
VmFlags: rd mr pf io de dd 
`

func TestParseSmaps(t *testing.T) {
	maps, err := ParseSmaps([]byte(smapsFixture))
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 6 {
		t.Fatalf("got %d mappings, want 6", len(maps))
	}

	exe := maps[1]
	if exe.Start != 0x55d0c6a02000 || exe.End != 0x55d0c6a06000 {
		t.Errorf("bad range %#x-%#x", exe.Start, exe.End)
	}
	if exe.Perm != proc.PermRead|proc.PermExec {
		t.Errorf("bad permissions %v", exe.Perm)
	}
	if exe.Offset != 0x2000 || exe.Path != "/usr/bin/sleep" || exe.Inode != 1311240 || exe.Dev != "08:01" {
		t.Errorf("bad backing info %#v", exe)
	}
	if !exe.FileBacked() {
		t.Errorf("executable mapping not file backed")
	}
	if !reflect.DeepEqual(exe.VmFlags, []string{"rd", "ex", "mr", "mw", "me", "dw", "sd"}) {
		t.Errorf("bad VmFlags %q", exe.VmFlags)
	}

	anon := maps[2]
	if anon.Path != "" || anon.FileBacked() {
		t.Errorf("anonymous mapping has backing file %q", anon.Path)
	}

	shm := maps[3]
	if shm.Perm&proc.PermShared == 0 || shm.Path != "/dev/zero (deleted)" {
		t.Errorf("bad shared mapping %#v", shm)
	}

	if stack := maps[4]; stack.Path != "[stack]" || stack.FileBacked() {
		t.Errorf("bad stack mapping %#v", stack)
	}

	if vvar := maps[5]; vvar.Dumpable() {
		t.Errorf("[vvar] should not be dumpable")
	}
}

func TestParseMapsWithoutDetails(t *testing.T) {
	const maps = "00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon\n" +
		"00e03000-00e24000 rw-p 00000000 00:00 0\n"
	r, err := ParseSmaps([]byte(maps))
	if err != nil {
		t.Fatal(err)
	}
	if len(r) != 2 || r[0].Path != "/usr/bin/dbus-daemon" || r[1].Path != "" {
		t.Fatalf("bad mappings %#v", r)
	}
}

func TestParseSmapsMalformed(t *testing.T) {
	for _, in := range []string{
		"zzzz-1000 r--p 00000000 00:00 0\n",
		"1000 r--p 00000000 00:00 0\n",
		"1000-2000 r- 00000000 00:00 0\n",
		"1000-2000\n",
	} {
		if _, err := ParseSmaps([]byte(in)); err == nil {
			t.Errorf("no error parsing %q", in)
		}
	}
}

func TestParseStat(t *testing.T) {
	const stat = "4242 (my (weird) proc) t 1 4242 4000 34816 4242 4194560 1133 0 0 0 17 3 0 0 20 -5 3 0 1234567 10000000 400 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 2 0 0 0 0 0\n"
	st, err := ParseStat([]byte(stat))
	if err != nil {
		t.Fatal(err)
	}
	want := Stat{Pid: 4242, Comm: "my (weird) proc", State: 't', Ppid: 1, Pgrp: 4242, Sid: 4000, Utime: 17, Stime: 3, Nice: -5}
	if st != want {
		t.Fatalf("got %#v, want %#v", st, want)
	}

	if _, err := ParseStat([]byte("4242 (truncated) S 1 2")); err == nil {
		t.Errorf("truncated stat accepted")
	}
}

func TestAuxv(t *testing.T) {
	in := []proc.AuxvEntry{{Tag: 33, Val: 0x7ffd4c5fe000}, {Tag: _AT_PAGESZ, Val: 4096}, {Tag: _AT_ENTRY, Val: 0x401000}}
	buf := EncodeAuxv(in, 8)
	if len(buf) != (len(in)+1)*16 {
		t.Fatalf("encoded auxv is %d bytes", len(buf))
	}
	out, err := ParseAuxv(buf, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("got %v, want %v", out, in)
	}
	if EntryPointFromAuxv(out) != 0x401000 || PageSizeFromAuxv(out) != 4096 {
		t.Errorf("lookup failed")
	}
	if _, err := ParseAuxv(buf[:20], 8); err == nil {
		t.Errorf("truncated auxv accepted")
	}
}

func TestEncodeAuxvKeepsInput(t *testing.T) {
	backing := []proc.AuxvEntry{{Tag: _AT_PAGESZ, Val: 4096}, {Tag: 99, Val: 1}}
	auxv := backing[:1]
	buf := EncodeAuxv(auxv, 8)
	if len(buf) != 32 {
		t.Fatalf("encoded auxv is %d bytes", len(buf))
	}
	if backing[1] != (proc.AuxvEntry{Tag: 99, Val: 1}) {
		t.Errorf("EncodeAuxv wrote past the end of its input: %v", backing[1])
	}
}
