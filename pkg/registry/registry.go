// Package registry merges device discovery results from every configured
// transport into one stable, deduplicated device list and resolves user
// selectors against it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"xforge/pkg/target"
	"xforge/pkg/telemetry"
	"xforge/pkg/transport"
)

// ErrNotFound indicates a selector matched no known device.
var ErrNotFound = errors.New("device not found")

// AmbiguousError indicates a selector prefix matched more than one device.
type AmbiguousError struct {
	Selector string
	Matches  []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("selector %q is ambiguous: matches %s", e.Selector, strings.Join(e.Matches, ", "))
}

// Device is one discovered device. Devices are immutable; a refresh
// re-discovers rather than mutates, and equality is by ID.
type Device struct {
	ID        string
	Name      string
	Platform  target.Platform
	Arch      target.Arch
	OSVersion string

	transport transport.Transport
	localID   string
}

// Transport returns the transport that discovered the device.
func (d *Device) Transport() transport.Transport { return d.transport }

// LocalID returns the device's identifier local to its transport.
func (d *Device) LocalID() string { return d.localID }

func (d *Device) OpenChannel(ctx context.Context, service string) (transport.Channel, error) {
	return d.transport.OpenChannel(ctx, d.localID, service)
}

func (d *Device) ForwardPort(ctx context.Context, remotePort int) (*transport.Forward, error) {
	return d.transport.ForwardPort(ctx, d.localID, remotePort)
}

func (d *Device) PushFile(ctx context.Context, localPath, remotePath string) error {
	return d.transport.PushFile(ctx, d.localID, localPath, remotePath)
}

func (d *Device) SpawnProcess(ctx context.Context, argv []string) (transport.Process, error) {
	return d.transport.SpawnProcess(ctx, d.localID, argv)
}

func (d *Device) GetProperty(ctx context.Context, key string) (string, error) {
	return d.transport.GetProperty(ctx, d.localID, key)
}

// Registry owns the set of transports to query. All state is scoped to one
// instance.
type Registry struct {
	transports []transport.Transport

	mu      sync.Mutex
	devices []*Device
}

// New creates a registry over the given transports. With none given it uses
// the default host, bridge and lockdown transports.
func New(transports ...transport.Transport) *Registry {
	if len(transports) == 0 {
		transports = []transport.Transport{
			transport.NewHost(),
			transport.NewBridge(),
			transport.NewLockdown(),
		}
	}
	return &Registry{transports: transports}
}

// Refresh queries every transport concurrently and returns the merged
// device list, sorted by ID. A transport reporting ErrUnavailable is
// excluded without failing the refresh; any other discovery failure aborts
// it. Devices are deduplicated by (transport kind, local id).
func (r *Registry) Refresh(ctx context.Context) ([]*Device, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "registry refresh")
	defer span.End()

	results := make([][]transport.Descriptor, len(r.transports))

	g, ctx := errgroup.WithContext(ctx)
	for i, t := range r.transports {
		i, t := i, t
		g.Go(func() error {
			descriptors, err := t.ListDevices(ctx)
			if err != nil {
				if errors.Is(err, transport.ErrUnavailable) {
					return nil
				}
				return fmt.Errorf("%s discovery: %w", t.Kind(), err)
			}
			results[i] = descriptors
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var devices []*Device
	for i, t := range r.transports {
		for _, d := range results[i] {
			id := d.ID()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			devices = append(devices, &Device{
				ID:        id,
				Name:      d.Name,
				Platform:  d.Platform,
				Arch:      d.Arch,
				OSVersion: d.OSVersion,
				transport: t,
				localID:   d.LocalID,
			})
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	telemetry.DevicesDiscovered.Add(float64(len(devices)))

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	return devices, nil
}

// Resolve finds one device by selector: the literal "host", an exact ID, or
// a unique prefix of an ID or display name. It refreshes first when no
// refresh has happened yet.
func (r *Registry) Resolve(ctx context.Context, selector string) (*Device, error) {
	r.mu.Lock()
	devices := r.devices
	r.mu.Unlock()
	if devices == nil {
		var err error
		devices, err = r.Refresh(ctx)
		if err != nil {
			return nil, err
		}
	}

	for _, d := range devices {
		if d.ID == selector {
			return d, nil
		}
	}

	var matches []*Device
	for _, d := range devices {
		if strings.HasPrefix(d.ID, selector) || strings.HasPrefix(d.Name, selector) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, selector)
	default:
		ids := make([]string, len(matches))
		for i, d := range matches {
			ids[i] = d.ID
		}
		return nil, &AmbiguousError{Selector: selector, Matches: ids}
	}
}
