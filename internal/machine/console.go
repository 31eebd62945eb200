package machine

import (
	"bufio"
	"io"
	"sync"

	"github.com/nachosgo/nachos/internal/ksync"
)

// Console is a one-character-at-a-time terminal, synchronized exactly
// as userprog/synch_console.cc's SynchConsole: GetChar/PutChar are
// wrapped by readAvail/writeDone semaphores so a caller blocks until
// the transfer has actually happened, and ReadLine/WriteBuffer hold a
// lock for the duration of a multi-character transfer so two callers
// never interleave their characters.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	readAvail *ksync.Semaphore
	writeDone *ksync.Semaphore
	readLock  *ksync.Lock
	writeLock *ksync.Lock

	mu           sync.Mutex
	pendingChar  byte
	pendingValid bool

	numCharsRead, numCharsWritten int
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:        bufio.NewReader(in),
		out:       out,
		readAvail: ksync.NewSemaphore("read avail", 0),
		writeDone: ksync.NewSemaphore("write done", 0),
		readLock:  ksync.NewLock("read console lock"),
		writeLock: ksync.NewLock("write console lock"),
	}
}

// GetChar reads one character, blocking until it is available.
func (c *Console) GetChar() byte {
	c.mu.Lock()
	b, err := c.in.ReadByte()
	c.mu.Unlock()
	if err != nil {
		b = 0
	}
	c.readAvail.V()
	c.readAvail.P()
	c.numCharsRead++
	return b
}

// PutChar writes one character, blocking until the write completes.
func (c *Console) PutChar(ch byte) {
	c.mu.Lock()
	c.out.Write([]byte{ch})
	c.mu.Unlock()
	c.writeDone.V()
	c.writeDone.P()
	c.numCharsWritten++
}

// ReadLine reads up to len(buffer)-1 bytes, stopping at the first
// newline (inclusive) or when the buffer fills, and null-terminates at
// the index it actually stopped at. It returns the number of bytes
// read before the terminator.
func (c *Console) ReadLine(buffer []byte) int {
	if len(buffer) == 0 {
		panic("machine: ReadLine given a zero-length buffer")
	}

	c.readLock.Acquire(nil)
	defer c.readLock.Release(nil)

	i := 0
	for ; i < len(buffer)-1; i++ {
		ch := c.GetChar()
		buffer[i] = ch
		if ch == '\n' {
			i++
			break
		}
	}
	buffer[i] = 0
	return i
}

// WriteBuffer writes size bytes from buffer to the console.
func (c *Console) WriteBuffer(buffer []byte, size int) {
	c.writeLock.Acquire(nil)
	defer c.writeLock.Release(nil)

	for i := 0; i < size; i++ {
		c.PutChar(buffer[i])
	}
}

// Stats reports the number of characters read and written, for the
// aggregated statistics Kernel.Stats collects.
func (c *Console) Stats() (read, written int) {
	return c.numCharsRead, c.numCharsWritten
}
