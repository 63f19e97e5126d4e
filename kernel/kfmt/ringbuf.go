package kfmt

import "io"

// earlyBufferSize is the capacity of the early boot buffer. Must be a power
// of 2.
const earlyBufferSize = 4096

// ringBuffer buffers log output produced before a sink is attached. When it
// fills up, the oldest bytes are overwritten; losing the head of the boot
// log is preferable to losing its tail.
type ringBuffer struct {
	buf  [earlyBufferSize]byte
	head int // index of the oldest byte
	used int // number of valid bytes
}

// Write appends p, overwriting the oldest data when the buffer is full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buf[(rb.head+rb.used)&(earlyBufferSize-1)] = b
		if rb.used < earlyBufferSize {
			rb.used++
		} else {
			rb.head = (rb.head + 1) & (earlyBufferSize - 1)
		}
	}
	return len(p), nil
}

// Read drains up to len(p) of the buffered bytes, oldest first.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.used == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.used > 0 {
		p[n] = rb.buf[rb.head]
		rb.head = (rb.head + 1) & (earlyBufferSize - 1)
		rb.used--
		n++
	}
	return n, nil
}
