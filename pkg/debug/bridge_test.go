package debug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// pipeDial returns a dial function handing out the client end of a pipe and
// the matching server end.
func pipeDial() (DialFunc, net.Conn) {
	client, server := net.Pipe()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return client, nil
	}
	return dial, server
}

// serveScripted answers connect and run, then plays back the given output
// lines. It swallows quit without responding unless ackQuit is set.
func serveScripted(conn net.Conn, output []string, ackQuit bool) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "connect":
			fmt.Fprintln(conn, "ok")
		case strings.HasPrefix(line, "run "):
			fmt.Fprintln(conn, "ok")
			for _, out := range output {
				fmt.Fprintln(conn, out)
			}
		case line == "quit":
			if ackQuit {
				fmt.Fprintln(conn, "ok")
				return
			}
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestSafeQuitFromIdleIsNoOp(t *testing.T) {
	dial, server := pipeDial()
	defer server.Close()

	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SafeQuit(context.Background()); err != nil {
		t.Fatalf("SafeQuit from idle: %v", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
	// Idempotent: a second call is also a no-op.
	if err := s.SafeQuit(context.Background()); err != nil {
		t.Fatalf("second SafeQuit: %v", err)
	}
}

func TestConnectRunAutoExit(t *testing.T) {
	dial, server := pipeDial()
	go serveScripted(server, []string{"stdout hello", "stderr oh no", "exit 0"}, true)

	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if err := s.Run(ctx, "main"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.AutoExit(ctx); err != nil {
		t.Fatalf("AutoExit: %v", err)
	}

	var lines []Line
	for line := range s.Lines() {
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if lines[0] != (Line{Source: "stdout", Text: "hello"}) {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1] != (Line{Source: "stderr", Text: "oh no"}) {
		t.Errorf("line 1 = %+v", lines[1])
	}

	waitState(t, s, Exited)
	if code, ok := s.ExitCode(); !ok || code != 0 {
		t.Errorf("exit code = %d,%v", code, ok)
	}
	if s.Err() != nil {
		t.Errorf("session error = %v", s.Err())
	}
}

func TestConnectDialFailureReturnsToIdle(t *testing.T) {
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("connection refused")
	}
	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Connect(context.Background())
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectError", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestConnectHandshakeTimeoutReturnsToIdle(t *testing.T) {
	dial, server := pipeDial()
	defer server.Close()
	// Server reads the handshake but never acknowledges it.
	go func() {
		sc := bufio.NewScanner(server)
		for sc.Scan() {
		}
	}()

	b := NewBridge()
	b.ConnectTimeout = 50 * time.Millisecond
	s, err := b.Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Connect(context.Background())
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectError", err)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

// SafeQuit must reach Detached within the grace period even when the server
// never answers the quit request.
func TestSafeQuitUnresponsiveServer(t *testing.T) {
	dial, server := pipeDial()
	go serveScripted(server, nil, false)

	b := NewBridge()
	b.Grace = 50 * time.Millisecond
	s, err := b.Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Run(ctx, "main"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	start := time.Now()
	if err := s.SafeQuit(ctx); err != nil {
		t.Fatalf("SafeQuit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SafeQuit took %v, want bounded by the grace period", elapsed)
	}
	if s.State() != Detached {
		t.Errorf("state = %v, want detached", s.State())
	}
}

// An exit notice arriving while the quit handshake is pending must still be
// recorded on the detached session.
func TestSafeQuitRecordsExitDuringDetach(t *testing.T) {
	dial, server := pipeDial()
	go func() {
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			switch line := sc.Text(); {
			case line == "connect", strings.HasPrefix(line, "run "):
				fmt.Fprintln(server, "ok")
			case line == "quit":
				fmt.Fprintln(server, "exit 7")
				return
			}
		}
	}()

	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Run(ctx, "main"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.SafeQuit(ctx); err != nil {
		t.Fatalf("SafeQuit: %v", err)
	}

	if s.State() != Detached {
		t.Errorf("state = %v, want detached", s.State())
	}
	if code, ok := s.ExitCode(); !ok || code != 7 {
		t.Errorf("exit code = %d,%v, want 7,true", code, ok)
	}
}

// A consumer that never drains Lines must not wedge the session: old lines
// are dropped under backpressure and SafeQuit still completes.
func TestSlowConsumerDoesNotBlockSafeQuit(t *testing.T) {
	const total = 600
	dial, server := pipeDial()
	flushed := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			switch line := sc.Text(); {
			case line == "connect":
				fmt.Fprintln(server, "ok")
			case strings.HasPrefix(line, "run "):
				fmt.Fprintln(server, "ok")
				for i := 0; i < total; i++ {
					fmt.Fprintf(server, "stdout line %d\n", i)
				}
				close(flushed)
			case line == "quit":
				fmt.Fprintln(server, "ok")
				return
			}
		}
	}()

	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Run(ctx, "main"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-flushed

	if err := s.SafeQuit(ctx); err != nil {
		t.Fatalf("SafeQuit: %v", err)
	}
	if s.State() != Detached {
		t.Errorf("state = %v, want detached", s.State())
	}

	var lines []Line
	for line := range s.Lines() {
		lines = append(lines, line)
	}
	if len(lines) == 0 || len(lines) >= total {
		t.Fatalf("buffered %d lines, want a bounded non-empty subset", len(lines))
	}
	// Backpressure drops the oldest lines, never the newest.
	last := lines[len(lines)-1]
	if want := fmt.Sprintf("line %d", total-1); last.Text != want {
		t.Errorf("last line = %q, want %q", last.Text, want)
	}
}

func TestTransportFailureForcesExited(t *testing.T) {
	dial, server := pipeDial()
	go func() {
		sc := bufio.NewScanner(server)
		if sc.Scan() && sc.Text() == "connect" {
			fmt.Fprintln(server, "ok")
		}
		// Drop the connection while the session is connected.
		server.Close()
	}()

	s, err := NewBridge().Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitState(t, s, Exited)
	if s.Err() == nil {
		t.Error("transport failure was not recorded")
	}
}

func TestOneActiveSessionPerDevice(t *testing.T) {
	dial, server := pipeDial()
	defer server.Close()

	b := NewBridge()
	first, err := b.Open("bridge:serial1", dial)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open("bridge:serial1", dial); err == nil {
		t.Fatal("opened a second session while the first is active")
	}

	// A different device is unaffected.
	if _, err := b.Open("bridge:serial2", dial); err != nil {
		t.Fatalf("open for second device: %v", err)
	}
	_ = first
}
