package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow evicts oldest data", func(t *testing.T) {
		var rb ringBuffer
		_, _ = rb.Write([]byte(strings.Repeat("x", ringBufferSize)))
		_, _ = rb.Write([]byte(expStr))

		got := readByteByByte(&rb)
		if len(got) != ringBufferSize {
			t.Fatalf("expected to read back %d bytes; got %d", ringBufferSize, len(got))
		}

		if !strings.HasSuffix(got, expStr) {
			t.Fatalf("expected buffer to end with the latest write; got %q", got[len(got)-len(expStr):])
		}
	})

	t.Run("empty buffer", func(t *testing.T) {
		var rb ringBuffer
		if n, err := rb.Read(make([]byte, 4)); n != 0 || err != io.EOF {
			t.Fatalf("expected (0, io.EOF); got (%d, %v)", n, err)
		}
	})

	t.Run("io.Copy", func(t *testing.T) {
		var (
			rb  ringBuffer
			buf bytes.Buffer
		)
		_, _ = rb.Write([]byte(expStr))

		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to copy %q; got %q", expStr, got)
		}
	})
}

func readByteByByte(rb *ringBuffer) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)

	for {
		if _, err := rb.Read(b); err == io.EOF {
			break
		}
		buf.WriteByte(b[0])
	}

	return buf.String()
}
