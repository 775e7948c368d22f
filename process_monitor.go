//go:build linux

package grader

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// EventKind identifies which field of Event carries meaning.
type EventKind int

const (
	EventNone EventKind = iota
	EventFinished
	EventTimeout
	EventStdoutLimit
	EventStderrLimit
	EventStdoutData
	EventStderrData
	EventDebugMessage
)

// Event is one step of ProcessMonitor.NextEvent's cooperative event stream.
type Event struct {
	Kind  EventKind
	Exit  ExitResult
	Data  []byte
	Debug string
}

const logFrameHeaderSize = 4 + 4 + 4 // errno + verbosity + msglen, little endian

// ProcessMonitor owns one running isolated child: the parent-side ends of
// its stdio and out-of-band log pipes, plus the caps that turn excessive
// wall time or output into a forced kill. Grounded on
// original_source/grader/src/runner/process_monitor.rs, with the log framing
// lifted from the teacher library's own readLogPipe binary format.
type ProcessMonitor struct {
	pid int

	epollFD int
	stdinFD int
	stdoutFD int
	stderrFD int
	logFD    int

	// streamKind tracks which fds are still registered with epollFD, keyed by
	// fd and naming which event each one produces. A stream is removed from
	// here (and from epoll, and closed) the moment it reaches EOF, so a fd
	// number is never consulted again once its stream is done — membership
	// in this map is the source of truth, not equality against stdoutFD/
	// stderrFD/logFD, which only exist for readAllFromFD to read from.
	streamKind map[int]EventKind

	deadline        time.Time
	hasDeadline     bool
	stdoutLimit     uint64
	stderrLimit     uint64
	stdoutWritten   uint64
	stderrWritten   uint64
	logBuffer       []byte
}

// NewProcessMonitor registers stdout/stderr/log for readability and starts
// the wall-clock deadline if realTimeLimitSec > 0.
func NewProcessMonitor(pid, stdinFD, stdoutFD, stderrFD, logFD int, realTimeLimitSec, stdoutLimitMB, stderrLimitMB int32) (*ProcessMonitor, error) {
	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	streamKind := map[int]EventKind{
		stdoutFD: EventStdoutData,
		stderrFD: EventStderrData,
		logFD:    EventDebugMessage,
	}
	for fd := range streamKind {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(epollFD)
			return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
		}
	}

	pm := &ProcessMonitor{
		pid:         pid,
		epollFD:     epollFD,
		stdinFD:     stdinFD,
		stdoutFD:    stdoutFD,
		stderrFD:    stderrFD,
		logFD:       logFD,
		streamKind:  streamKind,
		stdoutLimit: uint64(stdoutLimitMB) * 1024 * 1024,
		stderrLimit: uint64(stderrLimitMB) * 1024 * 1024,
	}
	if realTimeLimitSec > 0 {
		pm.hasDeadline = true
		pm.deadline = time.Now().Add(time.Duration(realTimeLimitSec) * time.Second)
	}
	return pm, nil
}

// untrackFD deregisters fd from epoll and closes it: called the moment a
// stream reaches EOF (or the whole monitor is tearing down), so a
// level-triggered HUP on a fd the caller has stopped caring about can never
// resurface on a later EpollWait call.
func (pm *ProcessMonitor) untrackFD(fd int) {
	delete(pm.streamKind, fd)
	_ = unix.EpollCtl(pm.epollFD, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	_ = unix.Close(fd)
}

// Close releases the epoll instance. Safe to call after event processing has
// stopped.
func (pm *ProcessMonitor) Close() error {
	if pm.epollFD < 0 {
		return nil
	}
	err := unix.Close(pm.epollFD)
	pm.epollFD = -1
	return err
}

// WriteStdin writes data to the child's stdin and closes the write end so
// the child observes EOF, matching the source's test-runner behaviour of
// piping one fixed input buffer in and never keeping the pipe open for
// interactive use. stdinFD is the blocking-mode write end spawnStage0
// created; it is safe to close even if the child already exited.
func (pm *ProcessMonitor) WriteStdin(data []byte) error {
	if pm.stdinFD < 0 {
		return nil
	}
	f := os.NewFile(uintptr(pm.stdinFD), "stdin")
	defer f.Close()
	if len(data) == 0 {
		return nil
	}
	_, err := f.Write(data)
	return err
}

// stopEventProcessing untracks whichever streams are still registered,
// whether because the child exited with a stream left open or because it
// is being force-killed: either way nothing should read from these fds
// again.
func (pm *ProcessMonitor) stopEventProcessing() {
	for fd := range pm.streamKind {
		pm.untrackFD(fd)
	}
	pm.stdoutFD, pm.stderrFD, pm.logFD = -1, -1, -1
}

func (pm *ProcessMonitor) kill() {
	_ = unix.Kill(pm.pid, unix.SIGKILL)
	pm.stopEventProcessing()
}

// NextEvent is a single cooperative step: it waits up to one second for I/O
// readiness (so the wall-clock deadline is always checked at least once per
// second even under total child silence), then returns exactly one Event, or
// a non-nil error if the child reported a fatal setup failure over the log
// pipe.
func (pm *ProcessMonitor) NextEvent(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	var raw [1]unix.EpollEvent
	n, err := unix.EpollWait(pm.epollFD, raw[:], 1000)
	if err != nil && err != unix.EINTR {
		return Event{}, fmt.Errorf("epoll_wait: %w", err)
	}

	if pm.hasDeadline && !time.Now().Before(pm.deadline) {
		pm.kill()
		return Event{Kind: EventTimeout}, nil
	}

	if n == 0 {
		var wstatus unix.WaitStatus
		wpid, err := unix.Wait4(pm.pid, &wstatus, unix.WNOHANG, nil)
		if err != nil {
			return Event{}, fmt.Errorf("wait4: %w", err)
		}
		if wpid != pm.pid {
			return Event{Kind: EventNone}, nil
		}
		pm.stopEventProcessing()
		switch {
		case wstatus.Exited():
			return Event{Kind: EventFinished, Exit: Finished(uint8(wstatus.ExitStatus()))}, nil
		case wstatus.Signaled():
			return Event{Kind: EventFinished, Exit: Killed(uint8(wstatus.Signal()))}, nil
		default:
			return Event{Kind: EventNone}, nil
		}
	}

	fd := int(raw[0].Fd)
	kind, tracked := pm.streamKind[fd]
	if !tracked {
		// Already untracked (EOF handled on a previous call) and epoll
		// should never report it again once EPOLL_CTL_DEL'd; if it somehow
		// does, ignore rather than error, since we no longer own this fd.
		return Event{Kind: EventNone}, nil
	}
	switch kind {
	case EventStdoutData:
		return pm.handleStdoutEvent()
	case EventStderrData:
		return pm.handleStderrEvent()
	case EventDebugMessage:
		return pm.handleLogEvent()
	default:
		return Event{}, fmt.Errorf("epoll returned unexpected fd %d", fd)
	}
}

func (pm *ProcessMonitor) handleStdoutEvent() (Event, error) {
	data := readAllFromFD(pm.stdoutFD)
	if data == nil {
		pm.untrackFD(pm.stdoutFD)
		pm.stdoutFD = -1
		return Event{Kind: EventNone}, nil
	}
	pm.stdoutWritten += uint64(len(data))
	if pm.stdoutLimit == 0 || pm.stdoutWritten <= pm.stdoutLimit {
		return Event{Kind: EventStdoutData, Data: data}, nil
	}
	pm.kill()
	return Event{Kind: EventStdoutLimit}, nil
}

func (pm *ProcessMonitor) handleStderrEvent() (Event, error) {
	data := readAllFromFD(pm.stderrFD)
	if data == nil {
		pm.untrackFD(pm.stderrFD)
		pm.stderrFD = -1
		return Event{Kind: EventNone}, nil
	}
	pm.stderrWritten += uint64(len(data))
	if pm.stderrLimit == 0 || pm.stderrWritten <= pm.stderrLimit {
		return Event{Kind: EventStderrData, Data: data}, nil
	}
	pm.kill()
	return Event{Kind: EventStderrLimit}, nil
}

func (pm *ProcessMonitor) handleLogEvent() (Event, error) {
	data := readAllFromFD(pm.logFD)
	if data == nil {
		pm.untrackFD(pm.logFD)
		pm.logFD = -1
		return Event{Kind: EventNone}, nil
	}
	pm.logBuffer = append(pm.logBuffer, data...)

	for {
		frame, rest, ok := decodeLogFrame(pm.logBuffer)
		if !ok {
			return Event{Kind: EventNone}, nil
		}
		pm.logBuffer = rest
		if frame.isError {
			return Event{}, fmt.Errorf("error in child process: %s", frame.message)
		}
		return Event{Kind: EventDebugMessage, Debug: frame.message}, nil
	}
}

// readAllFromFD drains fd into memory until it would block or hits EOF,
// returning the bytes read, or nil when no byte was read at all (whether the
// far end has closed or the read would block). Callers treat nil as the end
// of the stream.
func readAllFromFD(fd int) []byte {
	buf := make([]byte, 4096)
	var result []byte
	for {
		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			break
		}
		result = append(result, buf[:n]...)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

type logFrame struct {
	isError bool
	message string
}

// decodeLogFrame decodes one `errno int32 | verbosity int32 | msglen uint32 |
// msg []byte` little-endian frame, the same shape as the teacher library's
// own readLogPipe framing. errno != 0 marks the frame as an Err rather than a
// Dbg message.
func decodeLogFrame(buf []byte) (logFrame, []byte, bool) {
	if len(buf) < logFrameHeaderSize {
		return logFrame{}, buf, false
	}
	r := bytes.NewReader(buf)
	var errno, verbosity int32
	var msgLen uint32
	if err := binary.Read(r, binary.LittleEndian, &errno); err != nil {
		return logFrame{}, buf, false
	}
	if err := binary.Read(r, binary.LittleEndian, &verbosity); err != nil {
		return logFrame{}, buf, false
	}
	if err := binary.Read(r, binary.LittleEndian, &msgLen); err != nil {
		return logFrame{}, buf, false
	}
	if uint32(len(buf)-logFrameHeaderSize) < msgLen {
		return logFrame{}, buf, false
	}
	msg := buf[logFrameHeaderSize : logFrameHeaderSize+int(msgLen)]
	return logFrame{isError: errno != 0, message: string(msg)}, buf[logFrameHeaderSize+int(msgLen):], true
}

// encodeLogFrame is the child-side counterpart used by Runner to write a
// Dbg/Err message down the log pipe before or instead of exec.
func encodeLogFrame(isError bool, message string) []byte {
	var errno int32
	if isError {
		errno = 1
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, errno)
	binary.Write(buf, binary.LittleEndian, int32(0))
	binary.Write(buf, binary.LittleEndian, uint32(len(message)))
	buf.WriteString(message)
	return buf.Bytes()
}
