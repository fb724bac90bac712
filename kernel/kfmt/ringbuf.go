package kfmt

import "io"

// ringBufferSize is large enough to hold a standard 80*25 text-mode screen.
// It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer retains the most recent ringBufferSize bytes written to it. Once
// full, each write evicts the oldest bytes.
type ringBuffer struct {
	data  [ringBufferSize]byte
	start int
	count int
}

// Write appends p to the buffer, overwriting the oldest data when full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		end := (rb.start + rb.count) & (ringBufferSize - 1)
		rb.data[end] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) bytes in FIFO order. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		p[n] = rb.data[rb.start]
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.count--
		n++
	}

	return n, nil
}
