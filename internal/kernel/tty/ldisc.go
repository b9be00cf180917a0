// Package tty implements the line discipline sitting between a raw
// character device and the VFS. A fixed-size circular input buffer
// tracks three indices: read-head (where the next Read starts),
// cooked-tail (the boundary consumers may read up to), and raw-tail (the
// boundary the driver has written up to).
package tty

import (
	"context"

	"github.com/weenixfs/kernel/internal/kernel/ksync"
)

const (
	// BufSize is the size of the circular input buffer.
	BufSize = 256

	ctrlD     = 0x04
	backspace = 0x08
	delete7F  = 0x7f
)

func isBackspace(c byte) bool { return c == backspace || c == delete7F }
func isNewline(c byte) bool   { return c == '\r' || c == '\n' }
func isCtrlD(c byte) bool     { return c == ctrlD }

// Termios holds the line discipline's mode bits. Only Canonical is
// modeled: in raw mode, bytes are delivered to readers as soon as they
// arrive instead of waiting for a line terminator.
type Termios struct {
	Canonical bool
}

// Discipline is a single terminal's line discipline: a circular input
// buffer plus the read-head, cooked-tail, and raw-tail indices and
// the wait queue blocked readers sleep on.
type Discipline struct {
	mu      ksync.Mutex
	waiters ksync.WaitQueue

	buf        [BufSize]byte
	readHead   int
	cookedTail int
	rawTail    int
	termios    Termios
}

// New creates a line discipline in canonical mode with an empty
// buffer.
func New() *Discipline {
	return &Discipline{termios: Termios{Canonical: true}}
}

func incr(n int) int { return (n + 1) % BufSize }
func decr(n int) int {
	if n == 0 {
		return BufSize - 1
	}
	return n - 1
}

// SetRaw toggles canonical vs. raw mode.
func (d *Discipline) SetRaw(raw bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.termios.Canonical = !raw
}

// ReceiveChar is called by the driver when a character arrives. It
// returns the string that should be echoed to the screen.
func (d *Discipline) ReceiveChar(c byte) (echo string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A full buffer drops further input. One slot is always kept open
	// so a full buffer (raw-tail one behind read-head) stays
	// distinguishable from an empty one (raw-tail equal to read-head).
	if d.rawTail == decr(d.readHead) {
		return ""
	}

	switch {
	case isBackspace(c):
		if d.rawTail == d.cookedTail {
			return ""
		}
		d.rawTail = decr(d.rawTail)
		d.buf[d.rawTail] = '_'
		return "\b \b"

	case isNewline(c):
		d.buf[d.rawTail] = '\n'
		d.rawTail = incr(d.rawTail)
		d.cookedTail = d.rawTail
		d.waiters.Broadcast()
		return "\n\r"

	case isCtrlD(c):
		d.buf[d.rawTail] = c
		d.rawTail = incr(d.rawTail)
		d.cookedTail = d.rawTail
		d.waiters.Broadcast()
		return "\n\r"

	default:
		d.buf[d.rawTail] = c
		d.rawTail = incr(d.rawTail)
		if !d.termios.Canonical {
			d.cookedTail = d.rawTail
			d.waiters.Broadcast()
		}
		return string(c)
	}
}

// ProcessChar formats an outbound character for echo to the screen:
// newlines become "\n\r", everything else passes through unchanged.
func ProcessChar(c byte) string {
	if isNewline(c) {
		return "\n\r"
	}
	return string(c)
}

// Read blocks until cooked-tail != read-head, then returns bytes up to
// and including the first newline/EOF or up to len, whichever comes
// first. A canceled ctx returns ctx.Err() without mutating state.
func (d *Discipline) Read(ctx context.Context, buf []byte) (int, error) {
	// Register on the wait queue before checking, so a line cooked
	// between the check and the sleep still wakes this reader; the
	// check repeats after every wakeup because another reader may have
	// drained the line first.
	for {
		w := d.waiters.Prepare()
		d.mu.Lock()
		if d.readHead != d.cookedTail {
			w.Cancel()
			break
		}
		d.mu.Unlock()
		if err := w.Wait(ctx); err != nil {
			return 0, err
		}
	}
	defer d.mu.Unlock()

	avail := (d.cookedTail - d.readHead + BufSize) % BufSize
	n := 0
	for n < len(buf) && n < avail {
		c := d.buf[(d.readHead+n)%BufSize]
		if isNewline(c) {
			buf[n] = '\n'
			n++
			break
		}
		if isCtrlD(c) {
			if n == 0 {
				d.readHead = (d.readHead + 1) % BufSize
				return 0, nil
			}
			buf[n] = '\n'
			n++
			break
		}
		buf[n] = c
		n++
	}

	d.readHead = (d.readHead + n) % BufSize
	return n, nil
}
