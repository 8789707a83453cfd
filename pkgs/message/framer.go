package message

// Framer reassembles LocoNet frames from an arbitrary byte stream and hands
// each decoded Message to the sink. A listener may join the bus mid-frame, so
// the MSB invariant is the sole resync anchor: stray data bytes are skipped,
// a set MSB inside a frame truncates it, and a checksum failure discards a
// single byte before retrying.
type Framer struct {
	sink func(Message)
	buf  []byte

	// counters, readable via Stats
	framed         uint64
	badChecksum    uint64
	discardedBytes uint64
}

// FramerStats is a point-in-time copy of the framer counters.
type FramerStats struct {
	Framed         uint64
	BadChecksum    uint64
	DiscardedBytes uint64
}

func NewFramer(sink func(Message)) *Framer {
	return &Framer{sink: sink}
}

func (f *Framer) Stats() FramerStats {
	return FramerStats{
		Framed:         f.framed,
		BadChecksum:    f.badChecksum,
		DiscardedBytes: f.discardedBytes,
	}
}

// Push appends raw bytes and emits every complete frame they finish.
func (f *Framer) Push(p []byte) {
	f.buf = append(f.buf, p...)
	for f.step() {
	}
}

// step tries to make progress on the front of the buffer. It returns false
// when more bytes are needed.
func (f *Framer) step() bool {
	if len(f.buf) == 0 {
		return false
	}

	// stray data byte before any opcode
	if f.buf[0]&0x80 == 0 {
		f.drop(1)
		return true
	}

	n, variable := FrameLength(f.buf[0])
	if variable {
		if len(f.buf) < 2 {
			return false
		}
		if f.buf[1]&0x80 != 0 {
			// next frame starts immediately: the opcode stood alone
			f.drop(1)
			return true
		}
		n = int(f.buf[1])
		if n < 3 {
			f.drop(1)
			return true
		}
	}

	if len(f.buf) < n {
		return false
	}

	// an interior MSB means the frame was truncated on the wire; resume at
	// the new opcode
	for i := 1; i < n; i++ {
		if f.buf[i]&0x80 != 0 {
			f.drop(i)
			return true
		}
	}

	if !ValidFrame(f.buf[:n]) {
		f.badChecksum++
		f.drop(1)
		return true
	}

	msg, err := Decode(f.buf[:n])
	if err != nil {
		// cannot happen after the checks above, but never let a frame wedge
		// the stream
		f.drop(1)
		return true
	}
	f.framed++
	f.buf = f.buf[n:]
	f.sink(msg)
	return true
}

func (f *Framer) drop(n int) {
	f.discardedBytes += uint64(n)
	f.buf = f.buf[n:]
}
