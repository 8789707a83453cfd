package lnbus

import (
	"io"
	"sync"
	"time"

	"github.com/keskad/loconet/pkgs/message"
)

// captureWriter appends raw frames to a sink. The capture file format is a
// plain concatenation of frames, no header and no index; the reader is the
// ordinary framer. Reader and writer workers both feed it, so every write
// takes the lock.
type captureWriter struct {
	mu         sync.Mutex
	w          io.Writer
	timestamps bool
	now        func() time.Time
}

func newCaptureWriter(w io.Writer, timestamps bool) *captureWriter {
	return &captureWriter{w: w, timestamps: timestamps, now: time.Now}
}

func (c *captureWriter) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timestamps {
		ts := message.NewCaptureTimeStamp(c.now())
		if _, err := c.w.Write(ts.Bytes()); err != nil {
			return err
		}
	}
	_, err := c.w.Write(frame)
	return err
}

// Close flushes and closes the underlying sink when it supports closing.
func (c *captureWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	type syncer interface{ Sync() error }
	if s, ok := c.w.(syncer); ok {
		_ = s.Sync()
	}
	if cl, ok := c.w.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
