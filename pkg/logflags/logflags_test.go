package logflags

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag bool
		want logrus.Level
	}{
		{false, logrus.WarnLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, expectedType := actual.(*logrusLogger)
		if !expectedType {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
		}
		if actualEntry.Entry.Logger.Level != tc.want {
			t.Errorf("flag %v: expected level <%v>; but was <%v>", tc.flag, tc.want, actualEntry.Logger.Level)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Errorf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
	}
}

func TestMakeLogger_usingDefaultBehavior(t *testing.T) {
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})

	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Out != logOut {
		t.Fatalf("expected actualEntry.Entry.Logger.Out to be <%v>; but was <%v>", logOut, actualEntry.Logger.Out)
	}
	if actualEntry.Entry.Logger.Formatter != textFormatterInstance {
		t.Fatalf("expected actualEntry.Entry.Logger.Formatter to be <%v>; but was <%v>", textFormatterInstance, actualEntry.Logger.Formatter)
	}

	actual.WithField("pid", 42).Debugf("hello %s", "world")
	if s := out.String(); !strings.Contains(s, "hello world") || !strings.Contains(s, "pid=42") || !strings.Contains(s, "foo=bar") {
		t.Fatalf("unexpected log output %q", s)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		core, native = false, false
		Close()
	}()

	if err := Setup(false, "core", ""); err != errLogstrWithoutLog {
		t.Errorf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "core,bogus", ""); err == nil {
		t.Errorf("unknown component accepted")
	}
	core, native = false, false

	dest := filepath.Join(t.TempDir(), "log.txt")
	if err := Setup(true, "", dest); err != nil {
		t.Fatal(err)
	}
	if !Core() || Native() {
		t.Errorf("expected only core logging, got core=%v native=%v", Core(), Native())
	}
	NativeLogger().Debugf("not logged")
	CoreLogger().Debugf("logged")
	Close()

	buf, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf, []byte("logged")) || bytes.Contains(buf, []byte("not logged")) || !bytes.Contains(buf, []byte("layer=core")) {
		t.Errorf("unexpected log file contents %q", buf)
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
