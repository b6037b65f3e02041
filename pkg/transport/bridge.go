package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"xforge/pkg/target"
)

const (
	defaultBridgeAddr = "127.0.0.1:5037"
	bridgeDialTimeout = 2 * time.Second
)

// Bridge speaks the android-style daemon protocol: 4-byte big-endian
// length-prefixed ASCII command frames, responses whose payload begins with
// a 4-byte OKAY/FAIL status token, and numbered streams multiplexed over a
// single daemon connection.
//
// Wire format, all frames length-prefixed:
//
//	client control: <command>
//	daemon reply:   "OKAY" <data> | "FAIL" <u32 len> <error string>
//	stream data:    "STRM" <u32 id> <data>        (either direction)
//	stream close:   "CLSE" <u32 id> [<u32 len> <error string>]
//
// One control request is in flight at a time; a reader goroutine dispatches
// stream frames to their owners by stream ID. A FAIL or CLSE-with-error is
// fatal to the affected request or stream only; the daemon connection and
// its other streams stay usable. An unparseable top-level frame invalidates
// the whole connection.
type Bridge struct {
	addr string

	reqMu sync.Mutex // one in-flight control request
	wmu   sync.Mutex // one frame on the wire at a time

	mu      sync.Mutex
	conn    net.Conn
	ctrl    chan []byte
	done    chan struct{}
	streams map[uint32]*bridgeStream
}

// NewBridge creates a bridge client for the daemon at XFORGE_BRIDGE_ADDR,
// defaulting to the conventional local daemon port.
func NewBridge() *Bridge {
	addr := os.Getenv("XFORGE_BRIDGE_ADDR")
	if addr == "" {
		addr = defaultBridgeAddr
	}
	return NewBridgeAddr(addr)
}

// NewBridgeAddr creates a bridge client for a daemon at an explicit address.
func NewBridgeAddr(addr string) *Bridge {
	return &Bridge{addr: addr, streams: make(map[uint32]*bridgeStream)}
}

func (b *Bridge) Kind() Kind { return KindBridge }

func (b *Bridge) connect() (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := net.DialTimeout("tcp", b.addr, bridgeDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("bridge daemon at %s: %w", b.addr, ErrUnavailable)
	}
	b.conn = conn
	b.ctrl = make(chan []byte, 1)
	b.done = make(chan struct{})
	go b.readLoop(conn, b.ctrl, b.done)
	return conn, nil
}

// invalidate tears the daemon connection down, failing every open stream.
// Used for top-level framing errors and socket failures; a later call
// redials.
func (b *Bridge) invalidate(err error) {
	b.mu.Lock()
	conn := b.conn
	streams := b.streams
	done := b.done
	b.conn = nil
	b.ctrl = nil
	b.done = nil
	b.streams = make(map[uint32]*bridgeStream)
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		close(done)
	}
	for _, s := range streams {
		s.closeWith(err)
	}
}

func (b *Bridge) readLoop(conn net.Conn, ctrl chan []byte, done chan struct{}) {
	for {
		payload, err := readFrame(conn)
		if err != nil {
			b.invalidate(err)
			return
		}
		if len(payload) < 4 {
			b.invalidate(protocolErrorf("short frame from bridge daemon"))
			return
		}
		token := string(payload[:4])
		switch token {
		case "OKAY", "FAIL":
			select {
			case ctrl <- payload:
			case <-done:
				return
			}
		case "STRM":
			if len(payload) < 8 {
				b.invalidate(protocolErrorf("short stream frame"))
				return
			}
			id := binary.BigEndian.Uint32(payload[4:8])
			if s := b.stream(id); s != nil {
				s.deliver(payload[8:])
			}
		case "CLSE":
			if len(payload) < 8 {
				b.invalidate(protocolErrorf("short close frame"))
				return
			}
			id := binary.BigEndian.Uint32(payload[4:8])
			var closeErr error
			if rest := payload[8:]; len(rest) > 0 {
				msg, err := readLengthPrefixed(rest)
				if err != nil {
					b.invalidate(err)
					return
				}
				closeErr = &ProtocolError{Message: msg}
			}
			if s := b.dropStream(id); s != nil {
				s.closeWith(closeErr)
			}
		default:
			b.invalidate(protocolErrorf("unexpected frame token %q", token))
			return
		}
	}
}

func readLengthPrefixed(buf []byte) (string, error) {
	if len(buf) < 4 {
		return "", protocolErrorf("truncated error payload")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if int(n) != len(buf)-4 {
		return "", protocolErrorf("error payload length mismatch")
	}
	return string(buf[4 : 4+n]), nil
}

func (b *Bridge) stream(id uint32) *bridgeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[id]
}

func (b *Bridge) dropStream(id uint32) *bridgeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[id]
	delete(b.streams, id)
	return s
}

func (b *Bridge) send(payload []byte) error {
	conn, err := b.connect()
	if err != nil {
		return err
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err := writeFrame(conn, payload); err != nil {
		b.invalidate(err)
		return err
	}
	return nil
}

// request performs one serialized control exchange with the daemon.
func (b *Bridge) request(ctx context.Context, command string) ([]byte, error) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	if _, err := b.connect(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	ctrl, done := b.ctrl, b.done
	b.mu.Unlock()
	if ctrl == nil {
		return nil, protocolErrorf("bridge connection lost")
	}

	if err := b.send([]byte(command)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// The daemon's reply to this command may still arrive. Tear the
		// connection down so the next request never reads it as its own
		// answer.
		b.invalidate(ctx.Err())
		return nil, ctx.Err()
	case <-done:
		return nil, protocolErrorf("bridge connection lost")
	case reply := <-ctrl:
		switch string(reply[:4]) {
		case "OKAY":
			return reply[4:], nil
		default: // FAIL
			msg, err := readLengthPrefixed(reply[4:])
			if err != nil {
				return nil, err
			}
			return nil, &ProtocolError{Message: msg}
		}
	}
}

func (b *Bridge) ListDevices(ctx context.Context) ([]Descriptor, error) {
	payload, err := b.request(ctx, "devices")
	if err != nil {
		return nil, err
	}
	var devices []Descriptor
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			return nil, protocolErrorf("malformed device line %q", line)
		}
		arch, err := target.ParseArch(fields[2])
		if err != nil {
			return nil, protocolErrorf("device %s: %v", fields[0], err)
		}
		devices = append(devices, Descriptor{
			Kind:      KindBridge,
			LocalID:   fields[0],
			Name:      fields[1],
			Platform:  target.Android,
			Arch:      arch,
			OSVersion: fields[3],
		})
	}
	return devices, nil
}

func (b *Bridge) GetProperty(ctx context.Context, deviceID, key string) (string, error) {
	payload, err := b.request(ctx, fmt.Sprintf("getprop:%s:%s", deviceID, key))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(payload)), nil
}

func (b *Bridge) OpenChannel(ctx context.Context, deviceID, service string) (Channel, error) {
	payload, err := b.request(ctx, fmt.Sprintf("open:%s:%s", deviceID, service))
	if err != nil {
		return nil, err
	}
	if len(payload) != 4 {
		return nil, protocolErrorf("malformed open reply")
	}
	id := binary.BigEndian.Uint32(payload)
	s := newBridgeStream(b, id)
	b.mu.Lock()
	b.streams[id] = s
	b.mu.Unlock()
	return s, nil
}

func (b *Bridge) ForwardPort(ctx context.Context, deviceID string, remotePort int) (*Forward, error) {
	return newForward(func(ctx context.Context) (Channel, error) {
		return b.OpenChannel(ctx, deviceID, fmt.Sprintf("tcp:%d", remotePort))
	})
}

// PushFile streams a local file over a push channel. A zero-length stream
// frame marks end of data; the daemon then closes the stream, reporting a
// write failure as a CLSE-with-error.
func (b *Bridge) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", localPath, err)
	}
	defer src.Close()

	ch, err := b.OpenChannel(ctx, deviceID, "push:"+remotePath)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := io.Copy(ch, src); err != nil {
		return fmt.Errorf("push %q: %w", localPath, err)
	}
	s := ch.(*bridgeStream)
	if err := s.endOfData(); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, s); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) SpawnProcess(ctx context.Context, deviceID string, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	ch, err := b.OpenChannel(ctx, deviceID, "shell:"+strings.Join(argv, "\t"))
	if err != nil {
		return nil, err
	}
	s := ch.(*bridgeStream)
	return startRemoteProcess(s.recvRecord, s), nil
}

// bridgeStream is one multiplexed stream on a bridge daemon connection.
type bridgeStream struct {
	b  *Bridge
	id uint32

	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	partial []byte
	closed  bool
	err     error

	sendMu     sync.Mutex
	sentClosed bool
}

func newBridgeStream(b *Bridge, id uint32) *bridgeStream {
	s := &bridgeStream{b: b, id: id}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *bridgeStream) deliver(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.frames = append(s.frames, buf)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *bridgeStream) closeWith(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// recvRecord returns the next whole stream frame, preserving record
// boundaries for the tagged process framing.
func (s *bridgeStream) recvRecord() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.frames) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.frames) > 0 {
		rec := s.frames[0]
		s.frames = s.frames[1:]
		return rec, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *bridgeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.partial) == 0 {
		if len(s.frames) > 0 {
			s.partial = s.frames[0]
			s.frames = s.frames[1:]
			continue
		}
		if s.closed {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	n := copy(p, s.partial)
	s.partial = s.partial[n:]
	return n, nil
}

func (s *bridgeStream) frame(data []byte) []byte {
	payload := make([]byte, 8+len(data))
	copy(payload, "STRM")
	binary.BigEndian.PutUint32(payload[4:8], s.id)
	copy(payload[8:], data)
	return payload
}

func (s *bridgeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return 0, err
	}
	s.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.b.send(s.frame(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// endOfData sends the zero-length stream frame marking the end of pushed
// bytes.
func (s *bridgeStream) endOfData() error {
	return s.b.send(s.frame(nil))
}

func (s *bridgeStream) Close() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sentClosed {
		return nil
	}
	s.sentClosed = true

	if dropped := s.b.dropStream(s.id); dropped != nil {
		payload := make([]byte, 8)
		copy(payload, "CLSE")
		binary.BigEndian.PutUint32(payload[4:8], s.id)
		s.b.send(payload)
	}
	s.closeWith(nil)
	return nil
}
