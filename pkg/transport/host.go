package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"xforge/pkg/target"
)

// Host is the transport for the local machine. It contributes exactly one
// synthetic device descriptor and implements the device capabilities with
// local process execution and file copies.
type Host struct{}

func NewHost() *Host { return &Host{} }

func (h *Host) Kind() Kind { return KindHost }

func (h *Host) ListDevices(ctx context.Context) ([]Descriptor, error) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "host"
	}
	return []Descriptor{{
		Kind:      KindHost,
		LocalID:   "host",
		Name:      name,
		Platform:  target.HostPlatform(),
		Arch:      target.HostArch(),
		OSVersion: hostOSVersion(),
	}}, nil
}

func hostOSVersion() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/etc/os-release"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
					return strings.Trim(name, `"`)
				}
			}
		}
	}
	return runtime.GOOS
}

func (h *Host) checkID(deviceID string) error {
	if deviceID != "host" {
		return fmt.Errorf("unknown host device %q", deviceID)
	}
	return nil
}

// OpenChannel dials a local TCP service. The only service form the host
// pseudo-device understands is "tcp:<port>".
func (h *Host) OpenChannel(ctx context.Context, deviceID, service string) (Channel, error) {
	if err := h.checkID(deviceID); err != nil {
		return nil, err
	}
	port, ok := strings.CutPrefix(service, "tcp:")
	if !ok {
		return nil, fmt.Errorf("unsupported host service %q", service)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *Host) ForwardPort(ctx context.Context, deviceID string, remotePort int) (*Forward, error) {
	if err := h.checkID(deviceID); err != nil {
		return nil, err
	}
	return newForward(func(ctx context.Context) (Channel, error) {
		return h.OpenChannel(ctx, deviceID, fmt.Sprintf("tcp:%d", remotePort))
	})
}

func (h *Host) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	if err := h.checkID(deviceID); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", localPath, err)
	}
	defer src.Close()

	if dir := filepath.Dir(remotePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
	}
	dst, err := os.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create %q: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy to %q: %w", remotePath, err)
	}
	return dst.Close()
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *hostProcess) Stdout() io.Reader { return p.stdout }
func (p *hostProcess) Stderr() io.Reader { return p.stderr }

func (p *hostProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func (h *Host) SpawnProcess(ctx context.Context, deviceID string, argv []string) (Process, error) {
	if err := h.checkID(deviceID); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", argv[0], err)
	}
	return &hostProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (h *Host) GetProperty(ctx context.Context, deviceID, key string) (string, error) {
	if err := h.checkID(deviceID); err != nil {
		return "", err
	}
	switch key {
	case "DeviceName":
		name, err := os.Hostname()
		if err != nil {
			return "", err
		}
		return name, nil
	case "CPUArchitecture":
		return string(target.HostArch()), nil
	case "ProductName":
		return string(target.HostPlatform()), nil
	case "ProductVersion":
		return hostOSVersion(), nil
	default:
		return "", fmt.Errorf("unknown property %q", key)
	}
}
