package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"howett.net/plist"

	"xforge/pkg/target"
)

const (
	defaultLockdownAddr = "127.0.0.1:62078"
	lockdownDialTimeout = 2 * time.Second
)

// Lockdown speaks the apple-style device protocol: 4-byte big-endian
// length-prefixed binary property-list frames. Channel establishment is a
// StartService handshake that yields a service port; the client then dials
// that port and gets a raw byte stream.
//
// Lockdown does not multiplex: every request and every channel uses its own
// daemon connection, so a malformed or truncated frame invalidates only the
// connection it arrived on. Other open channels are unaffected.
type Lockdown struct {
	addr string
}

// NewLockdown creates a lockdown client for the daemon at
// XFORGE_LOCKDOWN_ADDR, defaulting to the conventional lockdown port.
func NewLockdown() *Lockdown {
	addr := os.Getenv("XFORGE_LOCKDOWN_ADDR")
	if addr == "" {
		addr = defaultLockdownAddr
	}
	return NewLockdownAddr(addr)
}

// NewLockdownAddr creates a lockdown client for a daemon at an explicit
// address.
func NewLockdownAddr(addr string) *Lockdown {
	return &Lockdown{addr: addr}
}

func (l *Lockdown) Kind() Kind { return KindLockdown }

func (l *Lockdown) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: lockdownDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("lockdown daemon at %s: %w", addr, ErrUnavailable)
	}
	return conn, nil
}

func sendPlist(w io.Writer, msg map[string]any) error {
	data, err := plist.Marshal(msg, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("encode plist: %w", err)
	}
	return writeFrame(w, data)
}

func recvPlist(r io.Reader) (map[string]any, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if _, err := plist.Unmarshal(payload, &msg); err != nil {
		return nil, protocolErrorf("malformed plist frame: %v", err)
	}
	if errMsg, ok := msg["Error"].(string); ok {
		return nil, &ProtocolError{Message: errMsg}
	}
	return msg, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (l *Lockdown) roundTrip(ctx context.Context, req map[string]any) (map[string]any, error) {
	conn, err := l.dial(ctx, l.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := sendPlist(conn, req); err != nil {
		return nil, err
	}
	return recvPlist(conn)
}

func (l *Lockdown) ListDevices(ctx context.Context) ([]Descriptor, error) {
	resp, err := l.roundTrip(ctx, map[string]any{"Request": "ListDevices"})
	if err != nil {
		return nil, err
	}
	list, ok := resp["DeviceList"].([]any)
	if !ok {
		return nil, protocolErrorf("ListDevices reply missing DeviceList")
	}
	var devices []Descriptor
	for _, entry := range list {
		dict, ok := entry.(map[string]any)
		if !ok {
			return nil, protocolErrorf("malformed DeviceList entry")
		}
		serial, _ := dict["SerialNumber"].(string)
		if serial == "" {
			return nil, protocolErrorf("DeviceList entry missing SerialNumber")
		}
		name, _ := dict["DeviceName"].(string)
		rawArch, _ := dict["CPUArchitecture"].(string)
		arch, err := target.ParseArch(rawArch)
		if err != nil {
			return nil, protocolErrorf("device %s: %v", serial, err)
		}
		version, _ := dict["ProductVersion"].(string)
		devices = append(devices, Descriptor{
			Kind:      KindLockdown,
			LocalID:   serial,
			Name:      name,
			Platform:  target.IOS,
			Arch:      arch,
			OSVersion: version,
		})
	}
	return devices, nil
}

func (l *Lockdown) GetProperty(ctx context.Context, deviceID, key string) (string, error) {
	resp, err := l.roundTrip(ctx, map[string]any{
		"Request": "GetValue",
		"Serial":  deviceID,
		"Key":     key,
	})
	if err != nil {
		return "", err
	}
	value, ok := resp["Value"].(string)
	if !ok {
		return "", protocolErrorf("GetValue reply missing Value")
	}
	return value, nil
}

// OpenChannel performs the StartService handshake and hands off to a raw
// stream on the negotiated service port.
func (l *Lockdown) OpenChannel(ctx context.Context, deviceID, service string) (Channel, error) {
	resp, err := l.roundTrip(ctx, map[string]any{
		"Request": "StartService",
		"Serial":  deviceID,
		"Service": service,
	})
	if err != nil {
		return nil, err
	}
	port, ok := plistPort(resp["Port"])
	if !ok {
		return nil, protocolErrorf("StartService reply missing Port")
	}

	host, _, err := net.SplitHostPort(l.addr)
	if err != nil {
		return nil, fmt.Errorf("lockdown address %q: %w", l.addr, err)
	}
	conn, err := l.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func plistPort(v any) (int, bool) {
	switch n := v.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func (l *Lockdown) ForwardPort(ctx context.Context, deviceID string, remotePort int) (*Forward, error) {
	return newForward(func(ctx context.Context) (Channel, error) {
		return l.OpenChannel(ctx, deviceID, fmt.Sprintf("tcp:%d", remotePort))
	})
}

// PushFile uploads a local file over an upload channel. The client
// half-closes after the payload; the daemon answers with one plist frame
// reporting completion or an error.
func (l *Lockdown) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", localPath, err)
	}
	defer src.Close()

	ch, err := l.OpenChannel(ctx, deviceID, "upload:"+remotePath)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := io.Copy(ch, src); err != nil {
		return fmt.Errorf("push %q: %w", localPath, err)
	}
	if tcp, ok := ch.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return err
		}
	}
	resp, err := recvPlist(ch)
	if err != nil {
		return err
	}
	if status, _ := resp["Status"].(string); status != "Complete" {
		return protocolErrorf("upload finished with status %q", resp["Status"])
	}
	return nil
}

// SpawnProcess starts a process via the spawn service: one plist frame
// carrying the argv, then tagged records until the exit record.
func (l *Lockdown) SpawnProcess(ctx context.Context, deviceID string, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	ch, err := l.OpenChannel(ctx, deviceID, "spawn")
	if err != nil {
		return nil, err
	}
	if err := sendPlist(ch, map[string]any{"Argv": argv}); err != nil {
		ch.Close()
		return nil, err
	}
	next := func() ([]byte, error) {
		return readFrame(ch)
	}
	return startRemoteProcess(next, ch), nil
}
