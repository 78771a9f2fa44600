package host

import "fmt"

// Cause classifies why a guest invocation trapped. The classification is the
// same on every sandbox backend.
type Cause uint8

const (
	Unknown Cause = iota
	OutOfBudget
	IllegalMemoryAccess
	Abort
	Unreachable
	StackExhausted
	Arithmetic
	IllegalTableAccess
	ReadOnlyViolation
	MissingEntryPoint
	MissingOutput
	InvalidArgument
	Deadline
	HostFault
)

var causeNames = [...]string{
	Unknown:             "unknown",
	OutOfBudget:         "out_of_budget",
	IllegalMemoryAccess: "illegal_memory_access",
	Abort:               "abort",
	Unreachable:         "unreachable",
	StackExhausted:      "stack_exhausted",
	Arithmetic:          "arithmetic",
	IllegalTableAccess:  "illegal_table_access",
	ReadOnlyViolation:   "read_only_violation",
	MissingEntryPoint:   "missing_entry_point",
	MissingOutput:       "missing_output",
	InvalidArgument:     "invalid_argument",
	Deadline:            "deadline",
	HostFault:           "host_fault",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("cause(%d)", uint8(c))
}

// Fault is raised by a host function to stop the guest. It is recorded on the
// Env before the host function panics, so the classification never depends
// on how the backend reports the panic.
type Fault struct {
	Cause   Cause
	Message string
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Cause.String()
	}
	return f.Cause.String() + ": " + f.Message
}
