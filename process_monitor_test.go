//go:build linux

package grader

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestLogFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		isError bool
		message string
	}{
		{"debug", false, "sandbox ready"},
		{"error", true, "overlay mount failed"},
		{"empty message", false, ""},
	}

	for _, tt := range tests {
		encoded := encodeLogFrame(tt.isError, tt.message)
		frame, rest, ok := decodeLogFrame(encoded)
		if !ok {
			t.Fatalf("%s: decodeLogFrame reported incomplete frame", tt.name)
		}
		if frame.isError != tt.isError || frame.message != tt.message {
			t.Errorf("%s: decoded {%v %q}, want {%v %q}", tt.name, frame.isError, frame.message, tt.isError, tt.message)
		}
		if len(rest) != 0 {
			t.Errorf("%s: leftover bytes = %d, want 0", tt.name, len(rest))
		}
	}
}

func TestDecodeLogFramePartialReturnsNotOK(t *testing.T) {
	full := encodeLogFrame(false, "hello world")
	partial := full[:len(full)-2]
	if _, _, ok := decodeLogFrame(partial); ok {
		t.Error("decodeLogFrame on a truncated frame reported ok=true")
	}
}

func TestDecodeLogFrameTwoFramesInOneBuffer(t *testing.T) {
	buf := append(encodeLogFrame(false, "first"), encodeLogFrame(false, "second")...)
	frame1, rest, ok := decodeLogFrame(buf)
	if !ok || frame1.message != "first" {
		t.Fatalf("first frame = %+v, ok=%v", frame1, ok)
	}
	frame2, rest2, ok := decodeLogFrame(rest)
	if !ok || frame2.message != "second" {
		t.Fatalf("second frame = %+v, ok=%v", frame2, ok)
	}
	if len(rest2) != 0 {
		t.Errorf("leftover after two frames = %d, want 0", len(rest2))
	}
}

func TestReadAllFromFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	payload := []byte("hello from the child")
	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	unix.Close(fds[1])

	// give the kernel a moment to deliver, then drain.
	time.Sleep(10 * time.Millisecond)
	got := readAllFromFD(fds[0])
	unix.Close(fds[0])

	if !bytes.Equal(got, payload) {
		t.Errorf("readAllFromFD = %q, want %q", got, payload)
	}
}

func TestWriteStdinNoopWhenNoPipe(t *testing.T) {
	pm := &ProcessMonitor{stdinFD: -1}
	if err := pm.WriteStdin([]byte("ignored")); err != nil {
		t.Errorf("WriteStdin with no pipe = %v, want nil", err)
	}
}

func TestWriteStdinWritesAndClosesPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	pm := &ProcessMonitor{stdinFD: int(w.Fd())}
	payload := []byte("grading input")
	if err := pm.WriteStdin(payload); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := r.Read(got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}

	// the write end should now be closed, so the reader sees EOF.
	n, err := r.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Errorf("read after WriteStdin closed the pipe: n=%d err=%v, want EOF", n, err)
	}
}

// TestProcessMonitorDrainsRealChild runs an actual child process and drives
// ProcessMonitor.NextEvent to completion, exercising the epoll + wait4 event
// loop against a real pid rather than mocked state.
func TestProcessMonitorDrainsRealChild(t *testing.T) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
		t.Fatalf("set nonblock stdout: %v", err)
	}
	if err := unix.SetNonblock(int(stderrR.Fd()), true); err != nil {
		t.Fatalf("set nonblock stderr: %v", err)
	}
	if err := unix.SetNonblock(int(logR.Fd()), true); err != nil {
		t.Fatalf("set nonblock log: %v", err)
	}

	cmd := exec.Command("/bin/sh", "-c", "echo hello; exit 5")
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sh in this environment: %v", err)
	}
	stdoutW.Close()
	stderrW.Close()
	logW.Close()

	pm, err := NewProcessMonitor(cmd.Process.Pid, -1, int(stdoutR.Fd()), int(stderrR.Fd()), int(logR.Fd()), 0, 0, 0)
	if err != nil {
		t.Fatalf("NewProcessMonitor: %v", err)
	}
	defer pm.Close()

	var stdout []byte
	var final ExitResult
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ev, err := pm.NextEvent(ctx)
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		switch ev.Kind {
		case EventStdoutData:
			stdout = append(stdout, ev.Data...)
		case EventFinished:
			final = ev.Exit
			goto done
		}
	}
	t.Fatal("child did not finish within 1000 iterations")

done:
	if final.Kind != ExitFinished || final.Code != 5 {
		t.Errorf("final exit = %v, want finished(5)", final)
	}
	if !bytes.Contains(stdout, []byte("hello")) {
		t.Errorf("stdout = %q, want it to contain %q", stdout, "hello")
	}
}
