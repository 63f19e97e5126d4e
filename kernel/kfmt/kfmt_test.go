package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func resetOutput() {
	lock.Acquire()
	outputSink = nil
	earlyPrintBuffer = ringBuffer{}
	level = LevelInfo
	lock.Release()
}

func TestEarlyOutputReplayedOnSinkAttach(t *testing.T) {
	defer resetOutput()
	resetOutput()

	Printf("[boot] core %d up\n", 0)
	Printf("[boot] core %d up\n", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	exp := "[boot] core 0 up\n[boot] core 1 up\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected replayed output %q; got %q", exp, got)
	}

	// Output after the sink is attached goes straight through.
	Printf("[boot] done\n")
	if !strings.HasSuffix(buf.String(), "[boot] done\n") {
		t.Fatalf("expected direct output after sink attach; got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	defer resetOutput()
	resetOutput()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Debugf("[sched] hidden\n")
	Tracef("[sched] hidden\n")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/trace suppressed at LevelInfo; got %q", buf.String())
	}

	SetLevel(LevelDebug)
	Debugf("[sched] visible\n")
	Tracef("[sched] hidden\n")
	if got := buf.String(); got != "[sched] visible\n" {
		t.Fatalf("expected only debug output at LevelDebug; got %q", got)
	}

	SetLevel(LevelTrace)
	Tracef("[sched] visible too\n")
	if !strings.HasSuffix(buf.String(), "[sched] visible too\n") {
		t.Fatalf("expected trace output at LevelTrace; got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp Level
	}{
		{"trace", LevelTrace},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"bogus", LevelInfo},
	} {
		if got := ParseLevel(tc.in); got != tc.exp {
			t.Errorf("ParseLevel(%q) = %d; want %d", tc.in, got, tc.exp)
		}
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	var rb ringBuffer

	payload := bytes.Repeat([]byte("0123456789abcdef"), earlyBufferSize/16)
	rb.Write([]byte("LOST"))
	rb.Write(payload)

	out := make([]byte, earlyBufferSize+16)
	n, err := rb.Read(out)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if n != earlyBufferSize {
		t.Fatalf("expected %d buffered bytes; got %d", earlyBufferSize, n)
	}
	if !bytes.HasSuffix(out[:n], []byte("abcdef")) {
		t.Fatal("expected the newest bytes to survive an overflow")
	}
	if bytes.HasPrefix(out[:n], []byte("LOST")) {
		t.Fatal("expected the oldest bytes to be overwritten on overflow")
	}
}
