package output

import (
	"fmt"
	"time"
)

type Printer interface {
	Printf(format string, a ...any) (n int, err error)
}

type ConsolePrinter struct{}

func (c ConsolePrinter) Printf(format string, a ...any) (n int, err error) {
	return fmt.Printf(format, a...)
}

// TimestampedPrinter prefixes every line with the wall-clock time, the way
// the bus monitor prints traffic.
type TimestampedPrinter struct {
	Clock func() time.Time
}

func (p TimestampedPrinter) Printf(format string, a ...any) (n int, err error) {
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return fmt.Printf("%s "+format, append([]any{clock().Format("15:04:05.000")}, a...)...)
}
