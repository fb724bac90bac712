package mm

import "strings"

// Protection is the access bitmask of an area or of a single mapping. User
// and kernel access are tracked separately.
type Protection uint32

// Protection bits.
const (
	ReadArea Protection = 1 << iota
	WriteArea
	ExecuteArea
	StackArea
	KernelReadArea
	KernelWriteArea
	KernelExecuteArea
	KernelStackArea

	// UserProtection masks the bits that grant userland access.
	UserProtection = ReadArea | WriteArea | ExecuteArea | StackArea

	// KernelProtection masks the bits that grant kernel access.
	KernelProtection = KernelReadArea | KernelWriteArea | KernelExecuteArea | KernelStackArea

	// AnyWrite masks every write permission bit.
	AnyWrite = WriteArea | KernelWriteArea
)

// Writable returns true if any write permission is granted.
func (p Protection) Writable() bool {
	return p&AnyWrite != 0
}

// UserAccessible returns true if userland may access the memory at all.
func (p Protection) UserAccessible() bool {
	return p&UserProtection != 0
}

// CanWrite reports whether a write by a user or kernel thread is allowed.
func (p Protection) CanWrite(isUser bool) bool {
	if isUser {
		return p&WriteArea != 0
	}
	return p&AnyWrite != 0
}

// CanRead reports whether a read by a user or kernel thread is allowed.
func (p Protection) CanRead(isUser bool) bool {
	if isUser {
		return p&(ReadArea|WriteArea) != 0
	}
	return p&(KernelReadArea|KernelWriteArea|ReadArea|WriteArea) != 0
}

// ReadOnly returns p with every write bit cleared.
func (p Protection) ReadOnly() Protection {
	return p &^ AnyWrite
}

// String returns a compact rwx style representation: user bits first, then
// kernel bits.
func (p Protection) String() string {
	var sb strings.Builder
	for _, bit := range []struct {
		flag Protection
		ch   byte
	}{
		{ReadArea, 'r'}, {WriteArea, 'w'}, {ExecuteArea, 'x'}, {StackArea, 's'},
		{KernelReadArea, 'R'}, {KernelWriteArea, 'W'}, {KernelExecuteArea, 'X'}, {KernelStackArea, 'S'},
	} {
		if p&bit.flag != 0 {
			sb.WriteByte(bit.ch)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// PageFlags describe the state of a single translation map entry as
// reported by a query.
type PageFlags uint8

// Page flags.
const (
	PagePresent PageFlags = 1 << iota
	PageAccessed
	PageModified
)

// Present returns true if the entry maps a physical page.
func (f PageFlags) Present() bool {
	return f&PagePresent != 0
}
