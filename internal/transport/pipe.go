package transport

import "sync"

// Pipe returns two connected in-memory Conns. Frames sent on one are received
// on the other. Closing either end ends both.
func Pipe() (Conn, Conn) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeConn{state: shared, in: ba, out: ab},
		&pipeConn{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	state *pipeState
	in    <-chan []byte
	out   chan<- []byte
}

func (p *pipeConn) Send(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *pipeConn) Receive() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.state.done:
		return nil, &CloseError{Code: CloseNormal, Reason: "pipe closed"}
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
