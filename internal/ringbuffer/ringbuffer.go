// Package ringbuffer provides a concurrent-safe byte ring used to decouple
// transport I/O from wire-frame parsing in the amplifier drivers.
package ringbuffer

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Write after Close has been called.
var ErrClosed = errors.New("ringbuffer: write to closed buffer")

// Buffer is a blocking ring of raw transport bytes. The transport reader
// writes whatever the device delivered; the frame parser reads exact frame
// sizes and blocks until they are available.
type Buffer struct {
	buf        []byte
	size       int
	readIndex  int
	writeIndex int
	closed     bool
	mu         sync.Mutex
	cond       *sync.Cond
}

// New creates a Buffer holding up to size-1 bytes.
func New(size int) *Buffer {
	b := &Buffer{
		buf:  make([]byte, size),
		size: size,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer) availableWrite() int {
	if b.writeIndex >= b.readIndex {
		return b.size - (b.writeIndex - b.readIndex) - 1
	}
	return b.readIndex - b.writeIndex - 1
}

func (b *Buffer) availableRead() int {
	if b.writeIndex >= b.readIndex {
		return b.writeIndex - b.readIndex
	}
	return b.size - b.readIndex + b.writeIndex
}

// Buffered returns the number of bytes currently readable.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableRead()
}

// Close marks the buffer as closed and wakes all waiting readers and
// writers. Data already buffered remains readable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Write adds data to the buffer, blocking until space is available.
func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < len(data); {
		if b.closed {
			return ErrClosed
		}
		for b.availableWrite() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return ErrClosed
		}

		chunk := data[i:]
		if avail := b.availableWrite(); len(chunk) > avail {
			chunk = chunk[:avail]
		}
		var n int
		if b.writeIndex >= b.readIndex {
			n = copy(b.buf[b.writeIndex:], chunk)
			b.writeIndex = (b.writeIndex + n) % b.size
		} else {
			n = copy(b.buf[b.writeIndex:b.readIndex-1], chunk)
			b.writeIndex += n
		}
		i += n
		b.cond.Broadcast()
	}
	return nil
}

// Read retrieves exactly n bytes, blocking until they are available. When
// the buffer is closed it returns whatever remains, and nil once drained.
func (b *Buffer) Read(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && b.availableRead() < n {
		b.cond.Wait()
	}
	if b.closed && b.availableRead() == 0 {
		return nil
	}

	if avail := b.availableRead(); avail < n {
		n = avail
	}

	data := make([]byte, n)
	if b.readIndex+n <= b.size {
		copy(data, b.buf[b.readIndex:b.readIndex+n])
	} else {
		part := b.size - b.readIndex
		copy(data, b.buf[b.readIndex:])
		copy(data[part:], b.buf[:n-part])
	}
	b.readIndex = (b.readIndex + n) % b.size
	b.cond.Broadcast()
	return data
}
