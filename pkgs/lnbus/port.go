package lnbus

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// OpenPort opens the serial device a command station exposes (the DR5000
// shows up as a USB virtual COM port) and returns it as a byte transport for
// New.
func OpenPort(path string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{Name: path, Baud: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open serial port %s", path)
	}
	return port, nil
}

// readCloserConn adapts a read-only capture source to the transport
// interface; writes never happen because the replay write sink is a discard.
type readCloserConn struct {
	io.ReadCloser
}

func (readCloserConn) Write(p []byte) (int, error) { return len(p), nil }

// dummyConn is the no-hardware transport: reads block until Close.
type dummyConn struct {
	closed chan struct{}
	once   sync.Once
}

func newDummyConn() *dummyConn {
	return &dummyConn{closed: make(chan struct{})}
}

func (c *dummyConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *dummyConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *dummyConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
