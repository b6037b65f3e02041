// Package transport abstracts device communication behind one capability
// interface with a variant per protocol family: the local host, the bridge
// daemon protocol used by android-style devices, and the lockdown protocol
// used by apple-style devices. Code above this package never branches on the
// protocol kind.
package transport

import (
	"context"
	"fmt"
	"io"

	"xforge/pkg/target"
)

// Kind identifies a transport protocol family.
type Kind string

const (
	KindHost     Kind = "host"
	KindBridge   Kind = "bridge"
	KindLockdown Kind = "lockdown"
)

// Descriptor is a raw device record as reported by a transport's daemon.
type Descriptor struct {
	Kind      Kind
	LocalID   string
	Name      string
	Platform  target.Platform
	Arch      target.Arch
	OSVersion string
}

// ID returns the transport-qualified, globally unique device identifier.
// The host pseudo-device is identified by the bare literal "host".
func (d Descriptor) ID() string {
	if d.Kind == KindHost {
		return "host"
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.LocalID)
}

// Channel is a raw bidirectional byte stream to a device service.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// Process is a handle to a remote process spawned on a device.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Transport is the capability interface implemented per protocol family.
//
// Implementations serialize concurrent use of a shared daemon connection
// internally; callers may invoke methods from multiple goroutines.
type Transport interface {
	Kind() Kind

	// ListDevices queries the daemon for attached devices. It returns an
	// error wrapping ErrUnavailable when the daemon is absent, which the
	// registry absorbs without failing the overall refresh.
	ListDevices(ctx context.Context) ([]Descriptor, error)

	// OpenChannel opens a raw byte stream to the named service on the device.
	OpenChannel(ctx context.Context, deviceID, service string) (Channel, error)

	// ForwardPort establishes a local listening endpoint tunnelling bytes to
	// a port on the device. The forward outlives any session using it and is
	// torn down only via Forward.Close.
	ForwardPort(ctx context.Context, deviceID string, remotePort int) (*Forward, error)

	// PushFile copies a local file to a path on the device.
	PushFile(ctx context.Context, deviceID, localPath, remotePath string) error

	// SpawnProcess starts a process on the device and returns a handle with
	// separated stdout/stderr streams and the exit status.
	SpawnProcess(ctx context.Context, deviceID string, argv []string) (Process, error)

	// GetProperty reads a named device property (DeviceName, CPUArchitecture,
	// ProductVersion, ProductName).
	GetProperty(ctx context.Context, deviceID, key string) (string, error)
}
