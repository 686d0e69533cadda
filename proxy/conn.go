package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	multierror "github.com/hashicorp/go-multierror"
)

// Conn represents a single relayed connection: the accepted inbound socket
// and the upstream socket it is being proxied to. It copies bytes in both
// directions while keeping transfer counters that can be read concurrently.
type Conn struct {
	src net.Conn
	dst net.Conn

	// srcW/dstW track bytes written in each direction. tx is src->dst
	// (bytes the source sent), rx is dst->src.
	tx uint64
	rx uint64

	closeOnce sync.Once
	closeErr  error
}

func NewConn(src, dst net.Conn) *Conn {
	return &Conn{src: src, dst: dst}
}

// CopyBytes relays in both directions until either side closes or errors.
// When one direction finishes both sockets are closed, which unblocks the
// other. Returns the first real I/O error, or nil on a clean close.
func (c *Conn) CopyBytes() error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(&countWriter{conn: c.dst, count: &c.tx}, c.src)
		errCh <- err
		c.Close()
	}()
	go func() {
		_, err := io.Copy(&countWriter{conn: c.src, count: &c.rx}, c.dst)
		errCh <- err
		c.Close()
	}()

	var first error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			// The side that loses the race reads from a socket we already
			// closed; that is shutdown, not a fault.
			continue
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Stats returns the bytes transferred so far in each direction: tx is
// source to destination, rx the reverse. Safe to call while CopyBytes runs.
func (c *Conn) Stats() (txBytes, rxBytes uint64) {
	return atomic.LoadUint64(&c.tx), atomic.LoadUint64(&c.rx)
}

// Close closes both sockets. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		var errs *multierror.Error
		if err := c.src.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.dst.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.closeErr = errs.ErrorOrNil()
	})
	return c.closeErr
}

// countWriter wraps one side's writes with an atomic byte counter.
type countWriter struct {
	conn  net.Conn
	count *uint64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.conn.Write(p)
	atomic.AddUint64(w.count, uint64(n))
	return n, err
}
