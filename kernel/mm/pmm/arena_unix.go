//go:build unix

package pmm

import (
	"kernvm/kernel"

	"golang.org/x/sys/unix"
)

// allocArena reserves size bytes of anonymous private host memory that
// stands in for physical RAM. The returned release function unmaps it.
func allocArena(size uintptr) ([]byte, func() *kernel.Error, *kernel.Error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, &kernel.Error{Module: "pmm", Message: "arena mmap failed: " + err.Error(), Kind: kernel.NoMemory}
	}

	return data, func() *kernel.Error {
		if err := unix.Munmap(data); err != nil {
			return &kernel.Error{Module: "pmm", Message: "arena munmap failed: " + err.Error()}
		}
		return nil
	}, nil
}
