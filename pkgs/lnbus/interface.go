// Package lnbus is the transceiver between the message codec and a byte
// transport: a real serial port, a capture file being replayed, or nothing at
// all in dummy mode. It runs three workers (reader, writer, dispatcher),
// serializes outbound traffic and fans inbound messages out to registered
// callbacks in wire order.
package lnbus

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keskad/loconet/pkgs/message"
)

// ErrClosed is returned by Send once the interface shut down or the
// transport failed.
var ErrClosed = errors.New("loconet interface closed")

// Pacing selects how fast a replayed capture is fed to the dispatcher.
type Pacing int

const (
	FastAsPossible Pacing = iota
	Realtime
)

// Callback receives every inbound message, in wire order, on the dispatcher
// worker. Callbacks must not block for long; Send from a callback is fine.
type Callback func(message.Message)

// Token identifies a registered callback.
type Token uuid.UUID

// Stats is a snapshot of the interface counters.
type Stats struct {
	Framed         uint64
	BadChecksum    uint64
	DiscardedBytes uint64
	Dispatched     uint64
	DroppedInbound uint64
	Written        uint64
}

const (
	inboundQueueLen  = 256
	outboundQueueLen = 64
	drainTimeout     = 2 * time.Second
)

type registration struct {
	token Token
	fn    Callback
}

type Interface struct {
	transport io.ReadWriteCloser
	writeSink io.Writer
	capture   *captureWriter
	pacing    Pacing

	inbound  chan message.Message
	outbound chan message.Message
	done     chan struct{}

	cbMu      sync.Mutex
	callbacks []registration

	closed       atomic.Bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	dispatched     atomic.Uint64
	droppedInbound atomic.Uint64
	written        atomic.Uint64

	framerMu sync.Mutex
	framer   *message.Framer

	lastHundredths int
}

func newInterface(transport io.ReadWriteCloser, writeSink io.Writer, opts []Option) *Interface {
	i := &Interface{
		transport:      transport,
		writeSink:      writeSink,
		inbound:        make(chan message.Message, inboundQueueLen),
		outbound:       make(chan message.Message, outboundQueueLen),
		done:           make(chan struct{}),
		lastHundredths: noTimestamp,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.start()
	return i
}

// New builds an interface over a byte transport and starts its workers.
func New(transport io.ReadWriteCloser, opts ...Option) *Interface {
	return newInterface(transport, transport, opts)
}

// NewReplay builds an interface whose byte source is a capture file. Writes
// are accepted and captured but never reach a port.
func NewReplay(source io.ReadCloser, opts ...Option) *Interface {
	return newInterface(readCloserConn{source}, io.Discard, opts)
}

// NewDummy builds an interface with no physical port at all: reads idle until
// shutdown, writes are discarded (but still captured when a sink is set).
func NewDummy(opts ...Option) *Interface {
	return newInterface(newDummyConn(), io.Discard, opts)
}

func (i *Interface) start() {
	i.framer = message.NewFramer(i.onFrame)
	i.wg.Add(3)
	go i.readLoop()
	go i.writeLoop()
	go i.dispatchLoop()
}

// RegisterCallback adds fn to the observer set and returns its token.
// Callbacks run in registration order for every message.
func (i *Interface) RegisterCallback(fn Callback) Token {
	t := Token(uuid.New())
	i.cbMu.Lock()
	i.callbacks = append(i.callbacks, registration{token: t, fn: fn})
	i.cbMu.Unlock()
	return t
}

// UnregisterCallback removes the callback registered under t. Unknown tokens
// are ignored, so the call is idempotent.
func (i *Interface) UnregisterCallback(t Token) {
	i.cbMu.Lock()
	defer i.cbMu.Unlock()
	for n, reg := range i.callbacks {
		if reg.token == t {
			i.callbacks = append(i.callbacks[:n], i.callbacks[n+1:]...)
			return
		}
	}
}

// Send enqueues a message for the writer and returns without touching the
// transport. A full outbound queue blocks the caller until the writer drains.
func (i *Interface) Send(m message.Message) error {
	if i.closed.Load() {
		return ErrClosed
	}
	select {
	case i.outbound <- m:
		return nil
	case <-i.done:
		return ErrClosed
	}
}

// Shutdown drains pending writes (bounded), stops the workers, closes the
// transport and flushes the capture sink. Safe to call more than once and
// from several goroutines at a time.
func (i *Interface) Shutdown() {
	i.shutdownOnce.Do(func() {
		i.closed.Store(true)

		deadline := time.Now().Add(drainTimeout)
		for len(i.outbound) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		close(i.done)
		if i.transport != nil {
			_ = i.transport.Close()
		}
	})
	i.wg.Wait()
	if i.capture != nil {
		_ = i.capture.Close()
	}
}

// Closed reports whether the interface stopped accepting traffic.
func (i *Interface) Closed() bool { return i.closed.Load() }

func (i *Interface) Stats() Stats {
	i.framerMu.Lock()
	fs := i.framer.Stats()
	i.framerMu.Unlock()
	return Stats{
		Framed:         fs.Framed,
		BadChecksum:    fs.BadChecksum,
		DiscardedBytes: fs.DiscardedBytes,
		Dispatched:     i.dispatched.Load(),
		DroppedInbound: i.droppedInbound.Load(),
		Written:        i.written.Load(),
	}
}

//
// workers
//

func (i *Interface) readLoop() {
	defer i.wg.Done()
	defer close(i.inbound)

	buf := make([]byte, 512)
	for {
		n, err := i.transport.Read(buf)
		if n > 0 {
			i.framerMu.Lock()
			i.framer.Push(buf[:n])
			i.framerMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !i.closed.Load() {
				logrus.Warnf("loconet read failed: %v", err)
			}
			i.closed.Store(true)
			return
		}
		select {
		case <-i.done:
			return
		default:
		}
	}
}

// noTimestamp marks the pacing state before the first timestamp of a capture.
const noTimestamp = -1

func (i *Interface) onFrame(m message.Message) {
	if ts, ok := m.(message.CaptureTimeStamp); ok {
		i.pace(ts)
	} else if i.capture != nil {
		// synthetic timestamps are regenerated by the capture writer, never
		// copied through
		if err := i.capture.WriteFrame(m.Bytes()); err != nil {
			logrus.Warnf("capture write failed: %v", err)
		}
	}
	i.enqueueInbound(m)
}

func (i *Interface) pace(ts message.CaptureTimeStamp) {
	if i.pacing != Realtime {
		i.lastHundredths = ts.Hundredths()
		return
	}
	cur := ts.Hundredths()
	if i.lastHundredths != noTimestamp && cur > i.lastHundredths {
		gap := time.Duration(cur-i.lastHundredths) * 10 * time.Millisecond
		select {
		case <-time.After(gap):
		case <-i.done:
		}
	}
	i.lastHundredths = cur
}

// enqueueInbound pushes to the inbound queue, dropping the oldest entry when
// full: under overload freshness beats completeness.
func (i *Interface) enqueueInbound(m message.Message) {
	select {
	case i.inbound <- m:
		return
	default:
	}
	select {
	case <-i.inbound:
		i.droppedInbound.Add(1)
	default:
	}
	select {
	case i.inbound <- m:
	default:
		i.droppedInbound.Add(1)
	}
}

func (i *Interface) writeLoop() {
	defer i.wg.Done()
	for {
		select {
		case m := <-i.outbound:
			if !i.writeOne(m) {
				return
			}
		case <-i.done:
			// flush what was already queued before the shutdown
			for {
				select {
				case m := <-i.outbound:
					if !i.writeOne(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (i *Interface) writeOne(m message.Message) bool {
	data := m.Bytes()
	if _, err := i.writeSink.Write(data); err != nil {
		logrus.Warnf("loconet write failed, closing interface: %v", err)
		i.closed.Store(true)
		return false
	}
	i.written.Add(1)
	if i.capture != nil {
		if err := i.capture.WriteFrame(data); err != nil {
			logrus.Warnf("capture write failed: %v", err)
		}
	}
	logrus.Debugf("tx %s (% X)", m, data)
	return true
}

func (i *Interface) dispatchLoop() {
	defer i.wg.Done()
	for m := range i.inbound {
		i.cbMu.Lock()
		regs := make([]registration, len(i.callbacks))
		copy(regs, i.callbacks)
		i.cbMu.Unlock()

		for _, reg := range regs {
			invoke(reg.fn, m)
		}
		i.dispatched.Add(1)
	}
}

// invoke shields the dispatcher from a misbehaving callback; dispatch order
// must survive a panic in one observer.
func invoke(fn Callback, m message.Message) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("loconet callback panicked: %v", r)
		}
	}()
	fn(m)
}
