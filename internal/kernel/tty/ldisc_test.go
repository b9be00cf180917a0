package tty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weenixfs/kernel/internal/kernel/tty"
)

func feed(d *tty.Discipline, s string) {
	for i := 0; i < len(s); i++ {
		d.ReceiveChar(s[i])
	}
}

func TestCanonicalReadWaitsForNewline(t *testing.T) {
	d := tty.New()
	feed(d, "hi")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	buf := make([]byte, 16)
	n, err := d.Read(ctx, buf)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n)
}

func TestCanonicalReadReturnsLineAfterNewline(t *testing.T) {
	d := tty.New()
	feed(d, "hi\n")

	buf := make([]byte, 16)
	n, err := d.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))
}

func TestConsecutiveLinesThroughOneDiscipline(t *testing.T) {
	d := tty.New()
	buf := make([]byte, 16)

	// The second and third lines arrive after earlier reads have fully
	// drained the buffer; none of their characters may be dropped.
	for _, line := range []string{"first\n", "second\n", "third\n"} {
		feed(d, line)
		n, err := d.Read(context.Background(), buf)
		require.NoError(t, err)
		assert.Equal(t, line, string(buf[:n]))
	}
}

func TestRawModeDeliversAfterBufferDrained(t *testing.T) {
	d := tty.New()
	d.SetRaw(true)
	buf := make([]byte, 1)

	for _, c := range []byte{'a', 'b'} {
		d.ReceiveChar(c)
		n, err := d.Read(context.Background(), buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, c, buf[0])
	}
}

func TestBackspaceErasesLastUncommittedChar(t *testing.T) {
	d := tty.New()
	feed(d, "hz")
	echo := d.ReceiveChar(0x08) // backspace
	assert.Equal(t, "\b \b", echo)
	d.ReceiveChar('\n')

	buf := make([]byte, 16)
	n, err := d.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "h\n", string(buf[:n]))
}

func TestRawModeDeliversWithoutNewline(t *testing.T) {
	d := tty.New()
	d.SetRaw(true)
	d.ReceiveChar('x')

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 1)
	n, err := d.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestCtrlDOnEmptyLineSignalsEOF(t *testing.T) {
	d := tty.New()
	d.ReceiveChar(0x04) // ctrl-D

	buf := make([]byte, 16)
	n, err := d.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessCharFormatsNewlineForEcho(t *testing.T) {
	assert.Equal(t, "\n\r", tty.ProcessChar('\n'))
	assert.Equal(t, "a", tty.ProcessChar('a'))
}
