package mm

// Memset sets every byte of buf to value. Instead of a byte loop it makes
// log2(len(buf)) copy calls, which pays off for page sized buffers.
func Memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}
