package transport

import (
	"errors"
	"io"
)

// remoteProcess decodes the tagged record stream produced by a device's
// shell or spawn service into separated stdout/stderr pipes and an exit
// status. next yields one record per call; closer tears the stream down.
type remoteProcess struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done chan struct{}
	code int
	err  error
}

func startRemoteProcess(next func() ([]byte, error), closer io.Closer) *remoteProcess {
	p := &remoteProcess{done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.pump(next, closer)
	return p
}

func (p *remoteProcess) pump(next func() ([]byte, error), closer io.Closer) {
	defer close(p.done)
	defer closer.Close()
	for {
		rec, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = protocolErrorf("process stream closed without exit status")
			}
			p.finish(0, err)
			return
		}
		if len(rec) == 0 {
			p.finish(0, protocolErrorf("empty process record"))
			return
		}
		switch rec[0] {
		case recordStdout:
			p.stdoutW.Write(rec[1:])
		case recordStderr:
			p.stderrW.Write(rec[1:])
		case recordExit:
			if len(rec) != 2 {
				p.finish(0, protocolErrorf("malformed exit record"))
				return
			}
			p.finish(int(rec[1]), nil)
			return
		default:
			p.finish(0, protocolErrorf("unknown process record tag %d", rec[0]))
			return
		}
	}
}

func (p *remoteProcess) finish(code int, err error) {
	p.code = code
	p.err = err
	p.stdoutW.CloseWithError(io.EOF)
	p.stderrW.CloseWithError(io.EOF)
}

func (p *remoteProcess) Stdout() io.Reader { return p.stdoutR }
func (p *remoteProcess) Stderr() io.Reader { return p.stderrR }

func (p *remoteProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}
