package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// Forward is a local listening endpoint tunnelling accepted connections to a
// remote port on one device. It is independent of any higher-level session:
// closing a debug session must not tear the forward down implicitly, and
// Close releases the local endpoint even while tunnels are active.
type Forward struct {
	ln   net.Listener
	open func(ctx context.Context) (Channel, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]Channel
	closed bool
}

func newForward(open func(ctx context.Context) (Channel, error)) (*Forward, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forward{
		ln:     ln,
		open:   open,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[net.Conn]Channel),
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

// LocalPort returns the port of the local listening endpoint.
func (f *Forward) LocalPort() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

// Close releases the listening endpoint and severs active tunnels.
func (f *Forward) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for conn, ch := range f.active {
		conn.Close()
		ch.Close()
	}
	f.mu.Unlock()

	f.cancel()
	err := f.ln.Close()
	f.wg.Wait()
	return err
}

func (f *Forward) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.tunnel(conn)
	}
}

func (f *Forward) tunnel(conn net.Conn) {
	defer f.wg.Done()

	ch, err := f.open(f.ctx)
	if err != nil {
		conn.Close()
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		ch.Close()
		return
	}
	f.active[conn] = ch
	f.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, ch)
		done <- struct{}{}
	}()
	<-done

	f.mu.Lock()
	delete(f.active, conn)
	f.mu.Unlock()
	conn.Close()
	ch.Close()
}
