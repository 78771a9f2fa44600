package abi

import "fmt"

// EntryPoint enumerates the functions every application may export.
type EntryPoint uint32

const (
	Instantiate EntryPoint = iota + 1
	ExecuteOperation
	ExecuteMessage
	HandleQuery
	HandleCall
)

// Entries lists every entry point in declaration order.
var Entries = []EntryPoint{Instantiate, ExecuteOperation, ExecuteMessage, HandleQuery, HandleCall}

// ExportName is the wasm export implementing the entry point.
func (e EntryPoint) ExportName() string {
	switch e {
	case Instantiate:
		return "instantiate"
	case ExecuteOperation:
		return "execute_operation"
	case ExecuteMessage:
		return "execute_message"
	case HandleQuery:
		return "handle_query"
	case HandleCall:
		return "handle_call"
	default:
		return ""
	}
}

// String returns the export name, or a placeholder for unknown values.
func (e EntryPoint) String() string {
	if name := e.ExportName(); name != "" {
		return name
	}
	return fmt.Sprintf("entry(%d)", uint32(e))
}

// Valid reports whether e is a known entry point.
func (e EntryPoint) Valid() bool {
	return e >= Instantiate && e <= HandleCall
}

// ReadOnly reports whether the entry point must not mutate state.
func (e EntryPoint) ReadOnly() bool {
	return e == HandleQuery
}

// ArgsTag is the wire tag of the entry point's argument payload.
func (e EntryPoint) ArgsTag() Tag {
	switch e {
	case Instantiate:
		return TagInitArgs
	case ExecuteOperation:
		return TagOperation
	case ExecuteMessage:
		return TagMessage
	case HandleQuery:
		return TagQuery
	default:
		return TagCallArgs
	}
}

// ResultTag is the wire tag of the entry point's result payload.
func (e EntryPoint) ResultTag() Tag {
	if e == HandleQuery {
		return TagResponse
	}
	return TagCallResult
}
