package kernel

// ErrorKind classifies a kernel error. Callers branch on the kind, never on
// the message.
type ErrorKind uint8

// The supported error kinds.
const (
	// General is used for failures that do not fit any other kind.
	General ErrorKind = iota

	// BadAddress is returned for addresses outside of an address space,
	// wrapping ranges and faults that could not be resolved to an area.
	BadAddress

	// BadValue is returned for malformed arguments, unknown ids and exact
	// placement requests that collide with an existing area.
	BadValue

	// NoMemory is returned when physical pages, address space or
	// commitment run out.
	NoMemory

	// EntryNotFound is returned when a lookup has nothing left to return.
	EntryNotFound

	// BadTeamID is returned for unknown teams and for address spaces that
	// are being torn down.
	BadTeamID

	// PermissionDenied is returned for accesses that violate an area's
	// protection.
	PermissionDenied

	// NotAllowed is returned for requests that are well-formed but not
	// supported for the target object.
	NotAllowed

	// NotHandled is returned by store fault handlers that want the generic
	// fault path to resolve the fault.
	NotHandled
)

var kindNames = [...]string{
	General:          "general error",
	BadAddress:       "bad address",
	BadValue:         "bad value",
	NoMemory:         "no memory",
	EntryNotFound:    "entry not found",
	BadTeamID:        "bad team id",
	PermissionDenied: "permission denied",
	NotAllowed:       "not allowed",
	NotHandled:       "not handled",
}

// String returns a human readable name for the kind.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure and are compared either
// by identity or by Kind.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is allows errors.Is to match any two errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err or General if err is not a kernel error. A
// nil error has no kind; callers must check for nil first.
func KindOf(err error) ErrorKind {
	if kerr, ok := err.(*Error); ok && kerr != nil {
		return kerr.Kind
	}
	return General
}
