// Package debug drives a device-resident debug server over a forwarded
// channel. A session is an explicit state machine driven by a command queue
// feeding a single loop goroutine; callers never touch the wire directly.
//
// The wire protocol is newline-delimited text. The client sends "connect",
// "run <entry>", and "quit"; the server acknowledges commands with "ok" and
// then streams "stdout <text>", "stderr <text>", and finally "exit <code>".
package debug

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a session's position in its lifecycle. Exited and Detached are
// terminal.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Running
	Exited
	Detached
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool { return s == Exited || s == Detached }

// ConnectError reports a failed handshake with the debug server. The
// session is back in Idle when it is returned.
type ConnectError struct {
	Device string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("debug connect to %s failed: %v", e.Device, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Line is one line of remote process output.
type Line struct {
	Source string // "stdout" or "stderr"
	Text   string
}

// DialFunc opens the forwarded channel to the debug server.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Bridge tracks sessions and enforces one active session per device.
type Bridge struct {
	// ConnectTimeout bounds the connect handshake. Zero means 5s.
	ConnectTimeout time.Duration
	// Grace bounds how long SafeQuit waits for the server before forcing
	// teardown. Zero means 3s.
	Grace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewBridge() *Bridge {
	return &Bridge{sessions: make(map[string]*Session)}
}

// Open creates a session for a device. It fails while the device already
// has a session in a non-terminal state.
func (b *Bridge) Open(deviceID string, dial DialFunc) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.sessions[deviceID]; ok && !prev.State().terminal() {
		return nil, fmt.Errorf("device %s already has an active debug session %s", deviceID, prev.ID)
	}

	connectTimeout := b.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	grace := b.Grace
	if grace == 0 {
		grace = 3 * time.Second
	}
	s := &Session{
		ID:             uuid.NewString(),
		device:         deviceID,
		dial:           dial,
		connectTimeout: connectTimeout,
		grace:          grace,
		cmds:           make(chan command),
		events:         make(chan event),
		lines:          make(chan Line, 256),
		st:             Idle,
		linesOpen:      true,
		loopClosed:     make(chan struct{}),
	}
	go s.loop()
	b.sessions[deviceID] = s
	return s, nil
}

// Session is one scripted debugging interaction. All mutation happens in
// the loop goroutine; the public methods queue commands and wait for the
// loop's answer.
type Session struct {
	ID string

	device         string
	dial           DialFunc
	connectTimeout time.Duration
	grace          time.Duration

	cmds   chan command
	events chan event
	lines  chan Line

	mu       sync.Mutex
	st       State
	exitCode int
	exited   bool
	err      error

	conn       io.ReadWriteCloser
	readerDone chan struct{}
	armed      bool
	linesOpen  bool
	loopClosed chan struct{}
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdRun
	cmdAutoExit
	cmdSafeQuit
)

type command struct {
	kind cmdKind
	arg  string
	ctx  context.Context
	resp chan error
}

type evKind int

const (
	evAck evKind = iota
	evLine
	evExit
	evFail
)

type event struct {
	kind evKind
	line Line
	code int
	err  error
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Err returns the transport error that forced the session into Exited, if
// any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ExitCode returns the remote process's exit code once it has exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

// Lines returns the remote process's output stream. The channel closes when
// the process exits or the session leaves Running. The stream is bounded: a
// consumer that stops draining loses the oldest buffered lines rather than
// stalling the session.
func (s *Session) Lines() <-chan Line { return s.lines }

// Connect opens the channel and performs the handshake. On failure the
// session returns to Idle.
func (s *Session) Connect(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdConnect})
}

// Run asks the server to start the remote process and returns once the
// start is acknowledged, not when the process exits.
func (s *Session) Run(ctx context.Context, entryPoint string) error {
	return s.send(ctx, command{kind: cmdRun, arg: entryPoint})
}

// AutoExit arms the session to transition to Exited as soon as the remote
// process terminates on its own.
func (s *Session) AutoExit(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdAutoExit})
}

// SafeQuit requests a graceful detach. It is idempotent: calling it from
// Idle or a terminal state is a no-op. From Connected or Running it reaches
// Detached within the grace period even if the server never responds.
func (s *Session) SafeQuit(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdSafeQuit})
}

func (s *Session) send(ctx context.Context, cmd command) error {
	cmd.ctx = ctx
	cmd.resp = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.loopDone():
		return s.commandAfterTerminal(cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loopDone() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopClosed
}

// commandAfterTerminal answers commands that arrive after the loop exited.
// Only SafeQuit is legal then.
func (s *Session) commandAfterTerminal(cmd command) error {
	if cmd.kind == cmdSafeQuit {
		return nil
	}
	return fmt.Errorf("session is %s", s.State())
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// loop owns all session state transitions. It exits when the session
// reaches a terminal state, leaving a drainer behind so the reader
// goroutine can always complete its final send.
func (s *Session) loop() {
	defer close(s.loopClosed)
	defer func() {
		if s.readerDone != nil {
			go s.drain()
		}
	}()

	for {
		select {
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case ev := <-s.events:
			s.handleEvent(ev)
		}
		if s.State().terminal() {
			return
		}
	}
}

func (s *Session) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		cmd.resp <- s.doConnect(cmd.ctx)
	case cmdRun:
		cmd.resp <- s.doRun(cmd.ctx, cmd.arg)
	case cmdAutoExit:
		cmd.resp <- s.doAutoExit()
	case cmdSafeQuit:
		cmd.resp <- s.doSafeQuit()
	}
}

func (s *Session) handleEvent(ev event) {
	switch ev.kind {
	case evLine:
		s.publish(ev.line)
	case evExit:
		s.mu.Lock()
		s.exitCode = ev.code
		s.exited = true
		s.mu.Unlock()
		s.closeLines()
		if s.armed {
			s.teardown()
			s.setState(Exited)
		}
	case evFail:
		// Transport failure in any live state forces Exited.
		s.mu.Lock()
		s.err = ev.err
		s.mu.Unlock()
		s.closeLines()
		s.teardown()
		s.setState(Exited)
	case evAck:
		// Stray acknowledgement outside a command exchange; ignore.
	}
}

func (s *Session) doConnect(ctx context.Context) error {
	if s.State() != Idle {
		return fmt.Errorf("connect valid only from idle, session is %s", s.State())
	}
	s.setState(Connecting)

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(Idle)
		return &ConnectError{Device: s.device, Err: err}
	}
	s.conn = conn
	s.readerDone = make(chan struct{})
	go s.read(conn, s.readerDone)

	if err := s.exchange(ctx, "connect"); err != nil {
		conn.Close()
		s.drain()
		s.conn = nil
		s.readerDone = nil
		s.setState(Idle)
		return &ConnectError{Device: s.device, Err: err}
	}
	s.setState(Connected)
	return nil
}

func (s *Session) doRun(ctx context.Context, entryPoint string) error {
	if s.State() != Connected {
		return fmt.Errorf("run valid only from connected, session is %s", s.State())
	}
	if err := s.exchange(ctx, "run "+entryPoint); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.closeLines()
		s.teardown()
		s.setState(Exited)
		return err
	}
	s.setState(Running)
	return nil
}

func (s *Session) doAutoExit() error {
	if s.State() != Running {
		return fmt.Errorf("autoexit valid only from running, session is %s", s.State())
	}
	s.armed = true
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		s.teardown()
		s.setState(Exited)
	}
	return nil
}

func (s *Session) doSafeQuit() error {
	switch s.State() {
	case Connected, Running:
	default:
		return nil
	}

	// Best effort: the server may already be gone.
	if s.conn != nil {
		io.WriteString(s.conn, "quit\n")
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evLine {
				s.publish(ev.line)
				continue
			}
			if ev.kind == evExit {
				s.mu.Lock()
				s.exitCode = ev.code
				s.exited = true
				s.mu.Unlock()
			}
			// Any ack, exit, or failure counts as the server letting go.
		case <-timer.C:
		}
		break
	}

	s.closeLines()
	s.teardown()
	s.setState(Detached)
	return nil
}

// exchange writes one command line and waits for the server's "ok".
func (s *Session) exchange(ctx context.Context, line string) error {
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return err
	}
	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evAck:
				return nil
			case evLine:
				s.publish(ev.line)
			case evFail:
				return ev.err
			case evExit:
				return fmt.Errorf("process exited during %q exchange", line)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain consumes leftover reader events after the connection was closed so
// the reader goroutine can exit.
func (s *Session) drain() {
	for {
		select {
		case <-s.events:
		case <-s.readerDone:
			return
		}
	}
}

// publish hands a line to the consumer without ever blocking the loop: when
// the buffer is full the oldest line is dropped to make room.
func (s *Session) publish(line Line) {
	if !s.linesOpen {
		return
	}
	select {
	case s.lines <- line:
		return
	default:
	}
	select {
	case <-s.lines:
	default:
	}
	select {
	case s.lines <- line:
	default:
	}
}

func (s *Session) closeLines() {
	if s.linesOpen {
		close(s.lines)
		s.linesOpen = false
	}
}

func (s *Session) teardown() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// read turns server lines into events. It exits on the first read error,
// which includes the connection being closed during teardown.
func (s *Session) read(conn io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "ok":
			s.events <- event{kind: evAck}
		case strings.HasPrefix(line, "stdout "):
			s.events <- event{kind: evLine, line: Line{Source: "stdout", Text: line[len("stdout "):]}}
		case strings.HasPrefix(line, "stderr "):
			s.events <- event{kind: evLine, line: Line{Source: "stderr", Text: line[len("stderr "):]}}
		case strings.HasPrefix(line, "exit "):
			code, err := strconv.Atoi(line[len("exit "):])
			if err != nil {
				s.events <- event{kind: evFail, err: fmt.Errorf("malformed exit line %q", line)}
				return
			}
			s.events <- event{kind: evExit, code: code}
		default:
			s.events <- event{kind: evFail, err: fmt.Errorf("unexpected debug server line %q", line)}
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("debug server closed the connection")
	}
	s.events <- event{kind: evFail, err: err}
}
