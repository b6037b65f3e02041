package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// startBridgeDaemon runs a scripted fake daemon for a single connection and
// returns its address.
func startBridgeDaemon(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func okay(data []byte) []byte {
	return append([]byte("OKAY"), data...)
}

func fail(msg string) []byte {
	payload := append([]byte("FAIL"), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(msg)))
	return append(payload, msg...)
}

func streamFrame(id uint32, data []byte) []byte {
	payload := make([]byte, 8, 8+len(data))
	copy(payload, "STRM")
	binary.BigEndian.PutUint32(payload[4:8], id)
	return append(payload, data...)
}

func closeFrame(id uint32, msg string) []byte {
	payload := make([]byte, 8)
	copy(payload, "CLSE")
	binary.BigEndian.PutUint32(payload[4:8], id)
	if msg != "" {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
		payload = append(payload, n[:]...)
		payload = append(payload, msg...)
	}
	return payload
}

func openReply(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return okay(buf[:])
}

func TestBridgeListDevices(t *testing.T) {
	addr := startBridgeDaemon(t, func(conn net.Conn) {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		if string(req) != "devices" {
			writeFrame(conn, fail("unexpected command"))
			return
		}
		writeFrame(conn, okay([]byte("serial1\tPixel 8\tarm64\t14\n")))
	})

	devices, err := NewBridgeAddr(addr).ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	d := devices[0]
	if d.ID() != "bridge:serial1" {
		t.Errorf("ID = %q, want %q", d.ID(), "bridge:serial1")
	}
	if d.Name != "Pixel 8" || d.Arch != "arm64" || d.OSVersion != "14" {
		t.Errorf("unexpected descriptor: %+v", d)
	}
}

func TestBridgeOpenChannelFailIsVerbatimAndNotRetried(t *testing.T) {
	var requests atomic.Int32
	addr := startBridgeDaemon(t, func(conn net.Conn) {
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
			requests.Add(1)
			writeFrame(conn, fail("device offline"))
		}
	})

	_, err := NewBridgeAddr(addr).OpenChannel(context.Background(), "serial1", "tcp:9229")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if protoErr.Message != "device offline" {
		t.Errorf("message = %q, want %q", protoErr.Message, "device offline")
	}

	time.Sleep(50 * time.Millisecond)
	if n := requests.Load(); n != 1 {
		t.Errorf("daemon saw %d requests, want exactly 1", n)
	}
}

func TestBridgeStreamEcho(t *testing.T) {
	const id = 7
	addr := startBridgeDaemon(t, func(conn net.Conn) {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		if string(req) != "open:serial1:tcp:8080" {
			writeFrame(conn, fail("unexpected command"))
			return
		}
		writeFrame(conn, openReply(id))
		for {
			frame, err := readFrame(conn)
			if err != nil || string(frame[:4]) == "CLSE" {
				return
			}
			writeFrame(conn, frame)
		}
	})

	b := NewBridgeAddr(addr)
	ch, err := b.OpenChannel(context.Background(), "serial1", "tcp:8080")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed %q, want %q", buf, "ping")
	}
}

// A CLSE-with-error kills the affected stream only; a sibling stream on the
// same daemon connection keeps working.
func TestBridgeStreamErrorIsolation(t *testing.T) {
	addr := startBridgeDaemon(t, func(conn net.Conn) {
		if _, err := readFrame(conn); err != nil {
			return
		}
		writeFrame(conn, openReply(1))
		if _, err := readFrame(conn); err != nil {
			return
		}
		writeFrame(conn, openReply(2))

		writeFrame(conn, closeFrame(1, "remote hung up"))
		for {
			frame, err := readFrame(conn)
			if err != nil || string(frame[:4]) == "CLSE" {
				return
			}
			writeFrame(conn, frame)
		}
	})

	b := NewBridgeAddr(addr)
	ctx := context.Background()
	first, err := b.OpenChannel(ctx, "serial1", "tcp:1111")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := b.OpenChannel(ctx, "serial1", "tcp:2222")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	_, err = first.Read(make([]byte, 1))
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("first stream read: got %v, want ProtocolError", err)
	}
	if protoErr.Message != "remote hung up" {
		t.Errorf("message = %q, want %q", protoErr.Message, "remote hung up")
	}

	if _, err := second.Write([]byte("still here")); err != nil {
		t.Fatalf("second stream write: %v", err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(second, buf); err != nil {
		t.Fatalf("second stream read: %v", err)
	}
	if string(buf) != "still here" {
		t.Errorf("echoed %q, want %q", buf, "still here")
	}
}

func TestBridgeSpawnProcess(t *testing.T) {
	const id = 3
	addr := startBridgeDaemon(t, func(conn net.Conn) {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		if string(req) != "open:serial1:shell:ls\t-l" {
			writeFrame(conn, fail("unexpected command"))
			return
		}
		writeFrame(conn, openReply(id))
		writeFrame(conn, streamFrame(id, append([]byte{recordStdout}, "total 0\n"...)))
		writeFrame(conn, streamFrame(id, append([]byte{recordStderr}, "warning\n"...)))
		writeFrame(conn, streamFrame(id, []byte{recordExit, 4}))
	})

	proc, err := NewBridgeAddr(addr).SpawnProcess(context.Background(), "serial1", []string{"ls", "-l"})
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}

	stderrCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(proc.Stderr())
		stderrCh <- data
	}()
	stdout, _ := io.ReadAll(proc.Stdout())
	stderr := <-stderrCh
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 4 {
		t.Errorf("exit code = %d, want 4", code)
	}
	if string(stdout) != "total 0\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if string(stderr) != "warning\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

// A control reply that arrives after its caller gave up must never be
// handed to the next request as that request's answer.
func TestBridgeStaleReplyDoesNotAnswerNextRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	release := make(chan struct{})
	go func() {
		// First connection: stall the devices reply past the caller's
		// deadline, then send it anyway.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := readFrame(conn); err != nil {
			return
		}
		<-release
		writeFrame(conn, okay([]byte("serial1\tPixel 8\tarm64\t14\n")))
		conn.Close()

		// Second connection answers promptly.
		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		if string(req) != "getprop:serial1:ro.build.id" {
			writeFrame(conn, fail("unexpected command"))
			return
		}
		writeFrame(conn, okay([]byte("UQ1A.240205.004")))
	}()

	b := NewBridgeAddr(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.ListDevices(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ListDevices: got %v, want deadline exceeded", err)
	}
	close(release)

	got, err := b.GetProperty(context.Background(), "serial1", "ro.build.id")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if got != "UQ1A.240205.004" {
		t.Errorf("property = %q, want %q", got, "UQ1A.240205.004")
	}
}

func TestBridgeUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewBridgeAddr(addr).ListDevices(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}
