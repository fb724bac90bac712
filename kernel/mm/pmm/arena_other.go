//go:build !unix

package pmm

import "kernvm/kernel"

func allocArena(size uintptr) ([]byte, func() *kernel.Error, *kernel.Error) {
	return make([]byte, size), func() *kernel.Error { return nil }, nil
}
