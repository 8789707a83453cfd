package lnbus

import "io"

type Option func(*Interface)

// WithCapture appends every framed and written message to w as raw frames,
// except inbound capture timestamp frames, which are not copied through.
// With timestamps enabled each frame is preceded by a capture timestamp
// pseudo-message carrying the wall-clock time it was seen.
func WithCapture(w io.Writer, timestamps bool) Option {
	return func(i *Interface) {
		i.capture = newCaptureWriter(w, timestamps)
	}
}

// WithPacing selects the replay pacing mode.
func WithPacing(p Pacing) Option {
	return func(i *Interface) {
		i.pacing = p
	}
}
